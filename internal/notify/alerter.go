package notify

import "github.com/matheus3301/chatsync/internal/bus"

// BusAlerter forwards alerts to bus subscribers; the UI attached through
// the control socket renders them.
type BusAlerter struct {
	Bus *bus.Bus
}

func (a BusAlerter) Show(n Notification) error {
	a.Bus.Publish(bus.NewEvent(bus.KindNotificationShow, n))
	return nil
}

func (a BusAlerter) PlaySound(kind EventKind) error {
	a.Bus.Publish(bus.NewEvent(bus.KindNotificationTone, kind.String()))
	return nil
}

func (a BusAlerter) Vibrate(kind EventKind) error {
	a.Bus.Publish(bus.NewEvent(bus.KindNotificationBuzz, kind.String()))
	return nil
}
