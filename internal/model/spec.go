package model

// ContainerSpec is an opaque per-spec container definition. The real
// container-runtime adapters that interpret it are out of scope here
//; the dispatcher never inspects its fields.
type ContainerSpec struct {
	Image string `yaml:"image" json:"image"`
}

// SharingExtension holds the ProxySharing settings attached to a spec.
// A nil MinimumSeatsAvailable disables sharing for the spec.
type SharingExtension struct {
	MinimumSeatsAvailable *int `yaml:"minimumSeatsAvailable" json:"minimumSeatsAvailable,omitempty"`
}

// ProxySpec is the template describing a class of proxies.
type ProxySpec struct {
	ID string `yaml:"id" json:"id"`
	Containers []ContainerSpec `yaml:"containers" json:"containers"`
	Sharing SharingExtension `yaml:"sharing" json:"sharing"`
}

// SupportsSharing reports whether the spec's sharing extension is set.
// The Dispatcher treats MinimumSeatsAvailable as opaque; only the scaler
// (out of scope) reads it to decide warm-pool sizing.
func SupportsSharing(spec ProxySpec) bool {
	return spec.Sharing.MinimumSeatsAvailable != nil
}
