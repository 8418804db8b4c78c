package protocol

// Logical topics shared by every client. Wire topics are derived from these
// by the namespace resolver in the mqtt package.
const (
	TopicControl      = "control"
	TopicImaging      = "imaging"
	TopicParams       = "params"
	TopicDeployment   = "deployment"
	TopicIllumination = "illumination"
	TopicPing         = "ping"
	TopicConnect      = "connect"
)

// Envelope keys naming the command variant.
const (
	KeyMode   = "mode"
	KeyAction = "action"
)
