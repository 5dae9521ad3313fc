package platform

// Feature status codes.
const (
	FeatureStatusSuccess       uint32 = 0
	FeatureStatusNotFound      uint32 = 0x800f080c
	FeatureStatusRebootPending uint32 = 0x00000bc2
	FeatureStatusUnsupported   uint32 = 0x80070032
)

var (
	featureExistResult  hook[uint32]
	enableFeatureResult hook[uint32]
)

// DoesFeatureExist returns the status code for name. Optional features are
// not managed on this host, so without an override the answer is
// FeatureStatusUnsupported.
func DoesFeatureExist(name string) uint32 {
	if v, ok := featureExistResult.get(); ok {
		return v
	}
	return FeatureStatusUnsupported
}

// EnableFeature enables name and returns the status code.
func EnableFeature(name string) uint32 {
	if v, ok := enableFeatureResult.get(); ok {
		return v
	}
	return FeatureStatusUnsupported
}

// SetDoesFeatureExistResultOverride fixes DoesFeatureExist; nil means "not overridden".
func SetDoesFeatureExistResultOverride(status *uint32) { featureExistResult.set(status) }

// SetEnableFeatureResultOverride fixes EnableFeature; nil means "not overridden".
func SetEnableFeatureResultOverride(status *uint32) { enableFeatureResult.set(status) }

// OverrideDoesFeatureExistResult fixes the result and returns a restore function.
func OverrideDoesFeatureExistResult(status uint32) (restore func()) {
	return featureExistResult.override(status)
}

// OverrideEnableFeatureResult fixes the result and returns a restore function.
func OverrideEnableFeatureResult(status uint32) (restore func()) {
	return enableFeatureResult.override(status)
}
