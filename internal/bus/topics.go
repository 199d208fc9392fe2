package bus

// TopicOpsAlert carries operator-facing alerts (e.g. a proxy that
// exhausted its wait budget) for the optional notifier channel.
const TopicOpsAlert = "ops.alert"

// OpsAlert is published when an operator should be made aware of a
// dispatcher-level failure.
type OpsAlert struct {
	SpecID  string
	ProxyID string
	Reason  string
	Message string
}
