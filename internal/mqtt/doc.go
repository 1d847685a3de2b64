// Package mqtt makes Botodachi a Home Assistant device. It publishes
// retained discovery configs for a set of "now watching" sensors and a
// caption capture switch, pushes their states on a timer and applies
// switch commands coming back from HA.
//
// The broker connection is managed by paho's [autopaho], which
// reconnects on its own. Every (re-)connect republishes discovery,
// announces "online" on the availability topic and resubscribes to
// command topics; the will message flips availability to "offline" if
// the daemon vanishes.
package mqtt
