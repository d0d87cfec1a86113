package message

// Arg is one positional (channel, parameter) pair of a command. The channel
// names the role of the argument ("port", "channel", a property name) and the
// parameter carries its value.
type Arg struct {
	Channel string `json:"channel" cbor:"channel"`
	Param   string `json:"param" cbor:"param"`
}

// Command is a decoded inbound request. Processors treat it as read-only.
type Command struct {
	Name          string `json:"command" cbor:"command"`
	Args          []Arg  `json:"args,omitempty" cbor:"args,omitempty"`
	PublishStream string `json:"publish_stream,omitempty" cbor:"publish_stream,omitempty"`
}

// Arg returns the i-th positional argument
func (c Command) Arg(i int) (Arg, bool) {
	if i < 0 || i >= len(c.Args) {
		return Arg{}, false
	}
	return c.Args[i], true
}

// IsAsync reports whether the caller asked for the result to be published
// rather than returned as the direct reply.
func (c Command) IsAsync() bool {
	return c.PublishStream != ""
}

// Sentinel argument selecting every instrument property in fetch_params and
// set_params.
const (
	AllChannel = "instrument"
	AllParam   = "all"
)

// IsAll reports whether a is the "all parameters" sentinel instrument/all
func (a Arg) IsAll() bool {
	return a.Channel == AllChannel && a.Param == AllParam
}
