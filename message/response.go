package message

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/ooici/siam-integration-sub000/errors"
)

// Result tags a Response as success or failure
type Result string

// Possible results
const (
	ResultOK    Result = "OK"
	ResultError Result = "ERROR"
)

// Item is one element of an OK response: either a bare value or a key/value
// pair. Build items with Value and Pair.
type Item struct {
	Key   string `json:"key,omitempty" cbor:"key,omitempty"`
	Value string `json:"value" cbor:"value"`
}

// IsPair reports whether the item carries a key
func (i Item) IsPair() bool {
	return i.Key != ""
}

// Value builds a bare value item
func Value(v string) Item {
	return Item{Value: v}
}

// Pair builds a key/value item
func Pair(key, value string) Item {
	return Item{Key: key, Value: value}
}

// Response is the tagged result of a command. It is always exactly one of OK
// (with zero or more items) or ERROR (with a description). Responses are built
// only through the constructors in this file.
type Response struct {
	Result Result `json:"result" cbor:"result"`
	Items  []Item `json:"items,omitempty" cbor:"items,omitempty"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty"`
}

// IsOK reports whether the response is a success
func (r Response) IsOK() bool {
	return r.Result == ResultOK
}

// Validate checks a decoded response is either OK without an error text or
// ERROR without items
func (r Response) Validate() error {
	switch r.Result {
	case ResultOK:
		if r.Error != "" {
			return errors.WrapInvalid(fmt.Errorf("OK response carries error %q", r.Error),
				"Response", "Validate", "check result")
		}
	case ResultError:
		if len(r.Items) > 0 {
			return errors.WrapInvalid(fmt.Errorf("ERROR response carries %d items", len(r.Items)),
				"Response", "Validate", "check result")
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown result %q", r.Result),
			"Response", "Validate", "check result")
	}
	return nil
}

// String renders the response for logs
func (r Response) String() string {
	if r.IsOK() {
		return fmt.Sprintf("OK%v", r.Items)
	}
	return fmt.Sprintf("ERROR(%s)", r.Error)
}

// OK builds a success response with the given items
func OK(items ...Item) Response {
	if len(items) == 0 {
		return Response{Result: ResultOK}
	}
	out := make([]Item, len(items))
	copy(out, items)
	return Response{Result: ResultOK, Items: out}
}

// Submitted is the immediate acknowledgment of an accepted asynchronous
// command: OK with no items.
func Submitted() Response {
	return OK()
}

// OKString builds a success response carrying bare string values
func OKString(values ...string) Response {
	items := make([]Item, 0, len(values))
	for _, v := range values {
		items = append(items, Value(v))
	}
	return OK(items...)
}

// OKMap builds a success response with one pair per map entry, sorted by key
func OKMap(m map[string]string) Response {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		items = append(items, Pair(k, m[k]))
	}
	return OK(items...)
}

// OKSample builds the response relayed for one streamed data point
func OKSample(channel string, value float64) Response {
	return OK(Pair(channel, strconv.FormatFloat(value, 'g', -1, 64)))
}

// Failure builds an error response naming the failure's type and message
func Failure(err error) Response {
	if err == nil {
		return Errorf("unknown failure")
	}
	return Response{Result: ResultError, Error: errors.TypeName(err) + ": " + err.Error()}
}

// Errorf builds an error response with a formatted description
func Errorf(format string, args ...any) Response {
	return Response{Result: ResultError, Error: fmt.Sprintf(format, args...)}
}

// OKPairs builds a success response echoing each argument as a pair
func OKPairs(args []Arg) Response {
	items := make([]Item, 0, len(args))
	for _, a := range args {
		items = append(items, Pair(a.Channel, a.Param))
	}
	return OK(items...)
}

// PortEntry is the listing form of one instrument port
type PortEntry struct {
	Name     string
	DeviceID string
}

// Item keys used by OKPorts
const (
	KeyPortName = "portName"
	KeyDeviceID = "deviceId"
)

// OKPorts builds the list_ports response: two pairs per port, portName then
// deviceId, in the order given.
func OKPorts(ports []PortEntry) Response {
	items := make([]Item, 0, 2*len(ports))
	for _, p := range ports {
		items = append(items, Pair(KeyPortName, p.Name), Pair(KeyDeviceID, p.DeviceID))
	}
	return OK(items...)
}
