package mqtt

// topics derives every MQTT topic for one device.
//
//	botodachi/<device>/availability
//	botodachi/<device>/<entity>/state|attributes|set
//	<prefix>/<component>/<device>/<entity>/config
type topics struct {
	device string
	prefix string
}

func (t topics) base() string { return "botodachi/" + t.device }

func (t topics) availability() string { return t.base() + "/availability" }

func (t topics) state(entity string) string { return t.base() + "/" + entity + "/state" }

func (t topics) attributes(entity string) string { return t.base() + "/" + entity + "/attributes" }

func (t topics) command(entity string) string { return t.base() + "/" + entity + "/set" }

func (t topics) config(component, entity string) string {
	return t.prefix + "/" + component + "/" + t.device + "/" + entity + "/config"
}
