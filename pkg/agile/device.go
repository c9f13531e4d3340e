package agile

import (
	"fmt"
	"reflect"
	"strings"
)

// DeviceComponent is a sensor channel exposed by a device, e.g. ("Temperature", "celsius").
// Its bus signature is (ss).
type DeviceComponent struct {
	ID   string `json:"id"`
	Unit string `json:"unit"`
}

// DeviceDefinition is the descriptor passed to the Device Manager's Create call.
// Its bus signature is (ssssa(ss)).
type DeviceDefinition struct {
	Address  string            `json:"address"`
	Protocol string            `json:"protocol"`
	Name     string            `json:"name"`
	Extra    string            `json:"extra"` // passed through unchanged
	Streams  []DeviceComponent `json:"streams"`
}

// DeviceOverview is a device as listed by the managers. Its bus signature is (ssss).
type DeviceOverview struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// SmokeTestDevice is the descriptor registered by the smoke test.
var SmokeTestDevice = DeviceDefinition{
	Address:  "78:C5:E5:6E:E4:CF",
	Protocol: "iot.agile.protocol.BLE",
	Name:     "SensorTag",
	Extra:    "",
	Streams: []DeviceComponent{
		{ID: "Temperature", Unit: "celsius"},
	},
}

// List is an opaque list returned by a remote Devices call.
type List []interface{}

// ToList converts a decoded reply value into a List. A nil value is an empty
// list; a value that is not a slice becomes a one-element list.
func ToList(v interface{}) List {
	if v == nil {
		return List{}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return List{v}
	}

	list := make(List, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		list = append(list, rv.Index(i).Interface())
	}
	return list
}

func (l List) String() string {
	items := make([]string, 0, len(l))
	for _, item := range l {
		items = append(items, fmt.Sprint(item))
	}
	return "[" + strings.Join(items, ", ") + "]"
}
