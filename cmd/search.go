package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kamusis/pkgidx/internal/catalog"
	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/search"
)

var (
	flagSearchID      string
	flagSearchName    string
	flagSearchMoniker string
	flagSearchTag     string
	flagSearchCommand string
	flagSearchMatch   string
	flagSearchExact   bool
	flagSearchSource  string
	flagSearchCount   int
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Find packages in the local indexes",
	Long: `Search every enabled source, or only --source. The query matches id, name,
moniker, tags and commands; the field flags add filters that must all match.`,
	Args: cobra.ArbitraryArgs,
	RunE: runSearch,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a package's manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&flagSearchID, "id", "", "Filter by package id")
	f.StringVar(&flagSearchName, "name", "", "Filter by name")
	f.StringVar(&flagSearchMoniker, "moniker", "", "Filter by moniker")
	f.StringVar(&flagSearchTag, "tag", "", "Filter by tag")
	f.StringVar(&flagSearchCommand, "command", "", "Filter by command")
	f.StringVar(&flagSearchMatch, "match", catalog.MatchSubstring.String(), "Match type (exact, case-insensitive, starts-with, substring, fuzzy)")
	f.BoolVarP(&flagSearchExact, "exact", "e", false, "Shorthand for --match exact")
	f.StringVarP(&flagSearchSource, "source", "s", "", "Search only this source")
	f.IntVarP(&flagSearchCount, "count", "n", 0, "Maximum results (default from settings; -1 for all)")
	showCmd.Flags().StringVarP(&flagSearchSource, "source", "s", "", "Read the manifest from this source")
	rootCmd.AddCommand(searchCmd, showCmd)
}

// buildQuery turns args and flags into a search query.
func buildQuery(args []string) (search.Query, error) {
	match, err := catalog.ParseMatchType(flagSearchMatch)
	if err != nil {
		return search.Query{}, err
	}
	if flagSearchExact {
		match = catalog.MatchExact
	}
	q := search.Query{Limit: flagSearchCount}
	if q.Limit == 0 {
		q.Limit = config.User().Search.DefaultLimit
	}
	if term := strings.Join(args, " "); strings.TrimSpace(term) != "" {
		q.Term = &search.Term{Value: term, Match: match}
	}
	for _, f := range []struct {
		field catalog.Field
		value string
	}{
		{catalog.FieldID, flagSearchID},
		{catalog.FieldName, flagSearchName},
		{catalog.FieldMoniker, flagSearchMoniker},
		{catalog.FieldTag, flagSearchTag},
		{catalog.FieldCommand, flagSearchCommand},
	} {
		if f.value != "" {
			q.Filters = append(q.Filters, catalog.Predicate{Field: f.field, Match: match, Value: f.value})
		}
	}
	return q, q.Validate()
}

func runSearch(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(args)
	if err != nil {
		return err
	}
	if q.IsEmpty() {
		return cmd.Help()
	}
	ctx := cmd.Context()
	sources, closeAll, err := openSearchers(ctx, flagSearchSource)
	if err != nil {
		return err
	}
	defer closeAll()

	res, err := search.Aggregate(ctx, sources, q)
	if err != nil {
		return err
	}
	for _, d := range res.Degraded {
		printWarn(d.Source, d.Err.Error())
	}
	printSearchResults(res)
	return nil
}

func printSearchResults(res search.Result) {
	if len(res.Matches) == 0 {
		printMiss("", "no packages found")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "NAME\tID\tVERSION\tMATCH\tSOURCE")
	for _, m := range res.Matches {
		ver := ""
		if v := m.Manifest.Latest(); v != nil {
			ver = v.Version
		}
		match := ""
		if m.Value != "" && m.Field != catalog.FieldID && m.Field != catalog.FieldName {
			match = fmt.Sprintf("%s: %s", m.Field, m.Value)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Manifest.Name, m.Manifest.ID, ver, match, m.Source)
	}
	_ = w.Flush()
	if res.Truncated {
		printInfo("", fmt.Sprintf("showing the first %s; use -n to see more", plural(len(res.Matches), "result")))
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sources, closeAll, err := openSearchers(ctx, flagSearchSource)
	if err != nil {
		return err
	}
	defer closeAll()

	res, err := search.Aggregate(ctx, sources, search.Query{
		Filters: []catalog.Predicate{{Field: catalog.FieldID, Match: catalog.MatchCaseInsensitive, Value: args[0]}},
		Limit:   search.NoLimit,
	})
	if err != nil {
		return err
	}
	for _, d := range res.Degraded {
		printWarn(d.Source, d.Err.Error())
	}
	if len(res.Matches) == 0 {
		return fmt.Errorf("package %s not found", args[0])
	}
	for _, m := range res.Matches {
		printManifest(m.Source, &m.Manifest)
	}
	return nil
}

func printManifest(src string, m *catalog.Manifest) {
	printSection(fmt.Sprintf("%s [%s]", m.ID, src))
	fmt.Printf("Name:       %s\n", m.Name)
	fmt.Printf("Publisher:  %s\n", orDash(m.Publisher))
	fmt.Printf("Moniker:    %s\n", orDash(m.Moniker))
	if len(m.Tags) > 0 {
		fmt.Printf("Tags:       %s\n", strings.Join(m.Tags, ", "))
	}
	if len(m.Commands) > 0 {
		fmt.Printf("Commands:   %s\n", strings.Join(m.Commands, ", "))
	}
	printBullet("Versions:")
	for _, v := range m.Versions {
		line := v.Version
		if v.Channel != "" {
			line += " (" + v.Channel + ")"
		}
		fmt.Printf("  %s\n", line)
		if v.Details.Description != "" {
			fmt.Printf("      %s\n", v.Details.Description)
		}
		for _, in := range v.Installers {
			fmt.Printf("      - %s %s %s\n", orDash(in.Type), orDash(in.Architecture), orDash(in.URL))
		}
	}
}
