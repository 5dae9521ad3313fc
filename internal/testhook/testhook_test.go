package testhook

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/pkgidx/internal/config"
	"github.com/kamusis/pkgidx/internal/logging"
	"github.com/kamusis/pkgidx/internal/paths"
	"github.com/kamusis/pkgidx/internal/pinning"
	"github.com/kamusis/pkgidx/internal/platform"
	"github.com/kamusis/pkgidx/internal/source"
	"github.com/kamusis/pkgidx/internal/telemetry"
)

func TestOverridesAreRestoredAfterSubtest(t *testing.T) {
	before, err := paths.Get(paths.LocalIndexDirectory)
	require.NoError(t, err)
	userBefore := config.User()

	t.Run("scoped", func(t *testing.T) {
		dir := AppDir(t)
		got, err := paths.Get(paths.LocalIndexDirectory)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(got, dir+string(filepath.Separator)), got)

		s := config.DefaultSettings()
		s.Search.DefaultLimit = 7
		Settings(t, s)
		assert.Equal(t, 7, config.User().Search.DefaultLimit)

		Reboot(t, true)
		assert.True(t, platform.InitiateReboot())
		FeatureExists(t, platform.FeatureStatusSuccess)
		assert.Equal(t, platform.FeatureStatusSuccess, platform.DoesFeatureExist("VirtualMachinePlatform"))
		EnableFeature(t, platform.FeatureStatusRebootPending)
		assert.Equal(t, platform.FeatureStatusRebootPending, platform.EnableFeature("VirtualMachinePlatform"))
		CreateSymlink(t, true)
		assert.True(t, platform.CreateSymlink("a", "b"))
		ScanArchive(t, false)
		clean, err := platform.ScanArchive(context.Background(), "x.zip")
		require.NoError(t, err)
		assert.False(t, clean)
		Icons(t, []platform.ExtractedIconInfo{{FileType: platform.IconICO}})
		assert.Len(t, platform.ExtractIcons(context.Background(), platform.Program{}), 1)

		Logger(t)
		logging.Named("testhook").Info("routed to the test log")
	})

	after, err := paths.Get(paths.LocalIndexDirectory)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, userBefore.Search.DefaultLimit, config.User().Search.DefaultLimit)
	assert.Empty(t, platform.ExtractIcons(context.Background(), platform.Program{}))
	assert.Equal(t, platform.FeatureStatusUnsupported, platform.DoesFeatureExist("VirtualMachinePlatform"))
}

func TestPinningIndexIsolatesDefaultStore(t *testing.T) {
	p := PinningIndex(t)
	got, err := pinning.IndexPath()
	require.NoError(t, err)
	assert.Equal(t, p, got)

	st, err := pinning.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p, st.Path())
}

func TestTelemetryRecorder(t *testing.T) {
	rec := Telemetry(t)
	telemetry.Log(telemetry.EventSearch, map[string]any{"matches": 1})
	require.Len(t, rec.Named(telemetry.EventSearch), 1)
}

func TestFactory(t *testing.T) {
	Factory(t, "hooked", func(d source.Descriptor) (source.Source, error) {
		return nil, assert.AnError
	})
	assert.True(t, source.Known("hooked"))
	_, err := source.Create(source.Descriptor{Name: "x", Type: "hooked"})
	assert.ErrorIs(t, err, assert.AnError)
}
