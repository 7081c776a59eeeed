package queue

// Observer receives delivery signals. Implementations must be cheap and
// non-blocking; they are called with the queue lock held.
type Observer interface {
	Enqueued(namespace string)
	Sent(namespace string, kind Kind, events int)
	Retried(namespace string, events int)
	Dropped(namespace string, reason DropReason, events int)
	Depth(namespace string, events int)
}

type nopObserver struct{}

func (nopObserver) Enqueued(string)                {}
func (nopObserver) Sent(string, Kind, int)         {}
func (nopObserver) Retried(string, int)            {}
func (nopObserver) Dropped(string, DropReason, int) {}
func (nopObserver) Depth(string, int)              {}

// Observers fans signals out to several observers
type Observers []Observer

func (o Observers) Enqueued(ns string) {
	for _, obs := range o {
		obs.Enqueued(ns)
	}
}

func (o Observers) Sent(ns string, kind Kind, n int) {
	for _, obs := range o {
		obs.Sent(ns, kind, n)
	}
}

func (o Observers) Retried(ns string, n int) {
	for _, obs := range o {
		obs.Retried(ns, n)
	}
}

func (o Observers) Dropped(ns string, reason DropReason, n int) {
	for _, obs := range o {
		obs.Dropped(ns, reason, n)
	}
}

func (o Observers) Depth(ns string, n int) {
	for _, obs := range o {
		obs.Depth(ns, n)
	}
}
