package mqtt

import "github.com/nugget/botodachi/internal/buildinfo"

// Device is the device block every discovery payload carries, so HA
// lists all of Botodachi's entities on one device page.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDevice identifies the device by the persistent instance ID, which
// survives renames, and labels it with the configured device name.
func NewDevice(instanceID, name string) Device {
	return Device{
		Identifiers:  []string{instanceID},
		Name:         name,
		Manufacturer: "Botodachi",
		Model:        "Caption Companion",
		SWVersion:    buildinfo.Version,
	}
}

// entity is one HA entity. Its id doubles as the object ID and the
// topic segment.
type entity struct {
	component   string
	id          string
	name        string
	icon        string
	deviceClass string
	unit        string
	stateClass  string
	category    string
	attributes  bool
}

// sensors in discovery order.
var sensors = []entity{
	{component: "sensor", id: "now_watching", name: "Now Watching", icon: "mdi:television-play", attributes: true},
	{component: "sensor", id: "platform", name: "Platform", icon: "mdi:web"},
	{component: "sensor", id: "position", name: "Playback Position", icon: "mdi:timer-play-outline", deviceClass: "duration", unit: "s"},
	{component: "sensor", id: "buffered_cues", name: "Buffered Cues", icon: "mdi:subtitles-outline", stateClass: "measurement"},
	{component: "sensor", id: "open_pages", name: "Open Pages", icon: "mdi:tab", stateClass: "measurement"},
	{component: "sensor", id: "questions_today", name: "Questions Today", icon: "mdi:chat-question", stateClass: "total_increasing"},
	{component: "sensor", id: "tokens_today", name: "Tokens Today", icon: "mdi:counter", stateClass: "total_increasing", unit: "tokens"},
	{component: "sensor", id: "last_question", name: "Last Question", icon: "mdi:clock-check", category: "diagnostic"},
	{component: "sensor", id: "default_model", name: "Default Model", icon: "mdi:brain", category: "diagnostic"},
	{component: "sensor", id: "uptime", name: "Uptime", icon: "mdi:clock-outline", category: "diagnostic"},
	{component: "sensor", id: "version", name: "Version", icon: "mdi:tag", category: "diagnostic"},
}

var captureSwitch = entity{
	component: "switch",
	id:        "capture",
	name:      "Caption Capture",
	icon:      "mdi:closed-caption",
	category:  "config",
}

// discoveryConfig is the retained payload on an entity's config topic.
type discoveryConfig struct {
	Name              string `json:"name"`
	ObjectID          string `json:"object_id"`
	HasEntityName     bool   `json:"has_entity_name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	CommandTopic      string `json:"command_topic,omitempty"`
	AttributesTopic   string `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic string `json:"availability_topic"`
	PayloadOn         string `json:"payload_on,omitempty"`
	PayloadOff        string `json:"payload_off,omitempty"`
	Device            Device `json:"device"`
	Icon              string `json:"icon,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	Unit              string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`
}

// entities lists what this publisher exposes. The switch is left out
// when there is no capture control.
func (p *Publisher) entities() []entity {
	out := append([]entity(nil), sensors...)
	if p.capture != nil {
		out = append(out, captureSwitch)
	}
	return out
}

func (p *Publisher) discovery(e entity) discoveryConfig {
	c := discoveryConfig{
		Name:              e.name,
		ObjectID:          e.id,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + e.id,
		StateTopic:        p.topics.state(e.id),
		AvailabilityTopic: p.topics.availability(),
		Device:            p.device,
		Icon:              e.icon,
		DeviceClass:       e.deviceClass,
		Unit:              e.unit,
		StateClass:        e.stateClass,
		EntityCategory:    e.category,
	}
	if e.attributes {
		c.AttributesTopic = p.topics.attributes(e.id)
	}
	if e.component == "switch" {
		c.CommandTopic = p.topics.command(e.id)
		c.PayloadOn, c.PayloadOff = "ON", "OFF"
	}
	return c
}
