package oscbridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AddressPrefix is the OSC address space this bridge consumes.
const AddressPrefix = "/tracking/trackers/"

// HeadSegment addresses tracker 0.
const HeadSegment = "head"

var (
	ErrMalformedAddress  = errors.New("malformed tracker address")
	ErrTrackerOutOfRange = errors.New("tracker id out of range")
	ErrUnknownKind       = errors.New("unknown payload kind")
	ErrBadArguments      = errors.New("expected three numeric arguments")
)

// Kind is the payload carried by a tracker message.
type Kind int

const (
	// KindRotation carries Euler angles in degrees.
	KindRotation Kind = iota
	// KindPosition carries a position. The bridge does not derive
	// acceleration from it yet and stores a zero vector instead.
	KindPosition
)

func (k Kind) String() string {
	switch k {
	case KindRotation:
		return "rotation"
	case KindPosition:
		return "position"
	default:
		return fmt.Sprintf("kind_%d", int(k))
	}
}

// Route is a parsed tracker address.
type Route struct {
	TrackerID uint8
	Kind      Kind
}

// IsTrackerAddress reports whether addr belongs to the tracker address space,
// well formed or not.
func IsTrackerAddress(addr string) bool {
	return strings.HasPrefix(addr, AddressPrefix)
}

// ParseAddress parses /tracking/trackers/<id|head>/<kind>. Ids above maxID
// are rejected so they never reach the single-byte protocol field.
func ParseAddress(addr string, maxID uint8) (Route, error) {
	parts := strings.Split(addr, "/")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "tracking" || parts[2] != "trackers" {
		return Route{}, fmt.Errorf("%w: %q", ErrMalformedAddress, addr)
	}

	var r Route
	if parts[3] == HeadSegment {
		r.TrackerID = 0
	} else {
		id, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return Route{}, fmt.Errorf("%w: tracker segment %q", ErrMalformedAddress, parts[3])
		}
		if id > uint64(maxID) {
			return Route{}, fmt.Errorf("%w: %d (max %d)", ErrTrackerOutOfRange, id, maxID)
		}
		r.TrackerID = uint8(id)
	}

	switch parts[4] {
	case "rotation":
		r.Kind = KindRotation
	case "position":
		r.Kind = KindPosition
	default:
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownKind, parts[4])
	}
	return r, nil
}

// vector3 extracts exactly three numeric OSC arguments as float64.
func vector3(args []interface{}) ([3]float64, error) {
	var v [3]float64
	if len(args) != 3 {
		return v, fmt.Errorf("%w: got %d", ErrBadArguments, len(args))
	}
	for i, a := range args {
		switch x := a.(type) {
		case float32:
			v[i] = float64(x)
		case float64:
			v[i] = x
		case int32:
			v[i] = float64(x)
		case int64:
			v[i] = float64(x)
		default:
			return v, fmt.Errorf("%w: argument %d is %T", ErrBadArguments, i, a)
		}
	}
	return v, nil
}
