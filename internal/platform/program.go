package platform

// Program is one entry of the host's installed-programs registry.
type Program struct {
	Name              string   `yaml:"name"`
	Publisher         string   `yaml:"publisher,omitempty"`
	Version           string   `yaml:"version,omitempty"`
	ProductCode       string   `yaml:"product_code,omitempty"`
	UpgradeCodes      []string `yaml:"upgrade_codes,omitempty"`
	PackageFamilyName string   `yaml:"package_family_name,omitempty"`
	// CatalogID is set when the installer recorded the catalog identifier.
	CatalogID   string `yaml:"catalog_id,omitempty"`
	Source      string `yaml:"source,omitempty"`
	DisplayIcon string `yaml:"display_icon,omitempty"`
	InstallPath string `yaml:"install_location,omitempty"`
	Scope       string `yaml:"scope,omitempty"`
}

// Signature is a stable key for the program used to de-duplicate entries.
func (p Program) Signature() string {
	switch {
	case p.ProductCode != "":
		return "pc:" + p.ProductCode
	case p.PackageFamilyName != "":
		return "pfn:" + p.PackageFamilyName
	}
	return "arp:" + p.Name + "|" + p.Publisher + "|" + p.Version
}
