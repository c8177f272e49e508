package mqttintegration

import (
	"encoding/json"
	"testing"

	"github.com/ksev-successor/bramble/internal/catalog"
	"github.com/ksev-successor/bramble/internal/config"
	"github.com/ksev-successor/bramble/internal/store"
)

type fakeCatalog struct {
	features map[string]*catalog.Feature
}

func (f *fakeCatalog) GetFeature(deviceID, name string) (*catalog.Feature, error) {
	feat, ok := f.features[deviceID+"/"+name]
	if !ok {
		return nil, catalog.ErrFeatureNotFound
	}
	return feat, nil
}

func TestDeviceFromTopic(t *testing.T) {
	cases := []struct {
		topic, prefix, want string
	}{
		{"zigbee2mqtt/kitchen_bulb", "zigbee2mqtt", "kitchen_bulb"},
		{"zigbee2mqtt/kitchen_bulb/availability", "zigbee2mqtt", "kitchen_bulb"},
		{"other/topic", "zigbee2mqtt", ""},
		{"zigbee2mqtt", "zigbee2mqtt", ""},
	}
	for _, c := range cases {
		if got := deviceFromTopic(c.topic, c.prefix); got != c.want {
			t.Errorf("deviceFromTopic(%q, %q) = %q, want %q", c.topic, c.prefix, got, c.want)
		}
	}
}

func TestHandleMessage_DecodesFeatureObject(t *testing.T) {
	st := store.New()
	b := New(config.MQTTConfig{TopicPrefix: "zigbee2mqtt"}, st, nil, nil, nil)

	b.handleMessage("zigbee2mqtt/hallway_sensor", []byte(`{"motion": true, "battery": 87}`))

	motion := st.Current(store.NewValueId("hallway_sensor", "motion"))
	if motion.IsError() || string(motion.Data) != "true" {
		t.Errorf("motion = %+v, want ok/true", motion)
	}
	battery := st.Current(store.NewValueId("hallway_sensor", "battery"))
	if battery.IsError() || string(battery.Data) != "87" {
		t.Errorf("battery = %+v, want ok/87", battery)
	}
}

func TestHandleMessage_RecordsDecodeErrorPerValue(t *testing.T) {
	st := store.New()
	b := New(config.MQTTConfig{TopicPrefix: "zigbee2mqtt"}, st, nil, nil, nil)

	b.handleMessage("zigbee2mqtt/broken_device", []byte(`not json`))

	got := st.Current(store.NewValueId("broken_device", "state"))
	if !got.IsError() {
		t.Errorf("expected decode failure to be recorded as an error value, got %+v", got)
	}
}

func TestHandleMessage_IgnoresUnmatchedPrefix(t *testing.T) {
	st := store.New()
	b := New(config.MQTTConfig{TopicPrefix: "zigbee2mqtt"}, st, nil, nil, nil)

	b.handleMessage("homeassistant/sensor/foo", []byte(`{"x":1}`))

	if got := st.Current(store.NewValueId("sensor", "x")); string(got.Data) != "null" {
		t.Errorf("expected no write for unmatched prefix, got %+v", got)
	}
}

func TestEncodePushPayload_BoolCoercion(t *testing.T) {
	cat := &fakeCatalog{features: map[string]*catalog.Feature{
		"kitchen_bulb/state": {
			DeviceID: "kitchen_bulb",
			Name:     "state",
			Meta: map[string]json.RawMessage{
				"value_on":  json.RawMessage(`"ON"`),
				"value_off": json.RawMessage(`"OFF"`),
			},
		},
	}}

	got := encodePushPayload(cat, "kitchen_bulb", "state", json.RawMessage("true"))
	if string(got) != `"ON"` {
		t.Errorf("got %s, want \"ON\"", got)
	}

	got = encodePushPayload(cat, "kitchen_bulb", "state", json.RawMessage("false"))
	if string(got) != `"OFF"` {
		t.Errorf("got %s, want \"OFF\"", got)
	}
}

func TestEncodePushPayload_NonBoolPassesThrough(t *testing.T) {
	got := encodePushPayload(nil, "thermostat", "target_temp", json.RawMessage("21.5"))
	if string(got) != "21.5" {
		t.Errorf("got %s, want 21.5", got)
	}
}
