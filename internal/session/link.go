package session

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/device"
	"github.com/srg/hrvlink/internal/groutine"
	"github.com/srg/hrvlink/internal/registry"
	"github.com/srg/hrvlink/internal/subscription"
)

// link holds everything that belongs to one physical connection attempt.
// A new link with a higher generation replaces it on every reconnect; messages
// tagged with an older generation are dropped by the controller.
type link struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	scanCancel context.CancelFunc
	peer       device.Peer
	conn       device.Link

	// chars is the union of every discovery batch, in discovery order.
	chars    *orderedmap.OrderedMap[string, device.Characteristic]
	resolved *registry.Set
	seq      *subscription.Sequencer
	rounds   int
	retries  map[registry.Role]int
	// rediscover is the pending timer for the next discovery round.
	rediscover Timer

	post   func(message)
	logger *logrus.Logger
}

func newLink(parent context.Context, gen uint64, post func(message), logger *logrus.Logger) *link {
	ctx, cancel := context.WithCancel(parent)
	l := &link{
		gen:      gen,
		ctx:      ctx,
		cancel:   cancel,
		chars:    orderedmap.New[string, device.Characteristic](),
		resolved: registry.NewSet(),
		retries:  make(map[registry.Role]int),
		post:     post,
		logger:   logger,
	}
	l.seq = subscription.NewSequencer(l, logger)
	return l
}

// merge adds a discovery batch to the known set and reports how many
// characteristics were new.
func (l *link) merge(batch []device.Characteristic) int {
	added := 0
	for _, ch := range batch {
		key, err := device.CanonicalUUID(ch.UUID)
		if err != nil {
			key = device.NormalizeUUID(ch.UUID)
		}
		if _, present := l.chars.Get(key); present {
			continue
		}
		l.chars.Set(key, ch)
		added++
	}
	return added
}

// known returns the full discovered set.
func (l *link) known() []device.Characteristic {
	all := make([]device.Characteristic, 0, l.chars.Len())
	for pair := l.chars.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
	}
	return all
}

// EnableNotifications installs a handler that forwards payloads to the controller.
func (l *link) EnableNotifications(role registry.Role) error {
	res, ok := l.resolved.Get(role)
	if !ok {
		return ErrNotReady
	}
	gen := l.gen
	return l.conn.EnableNotifications(res.Char, func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		l.post(notificationMsg{gen: gen, role: role, data: buf})
	})
}

// WriteDescriptor runs the remote write off the controller goroutine.
func (l *link) WriteDescriptor(role registry.Role) {
	res, _ := l.resolved.Get(role)
	gen, conn, ctx := l.gen, l.conn, l.ctx
	groutine.Go(ctx, "hrv-subscribe-"+role.String(), func(ctx context.Context) {
		err := conn.WriteDescriptor(ctx, res.Char)
		l.post(descriptorMsg{gen: gen, role: role, err: err})
	})
}

// close cancels in-flight work and releases the connection.
func (l *link) close() {
	if l.scanCancel != nil {
		l.scanCancel()
	}
	l.cancel()
	if l.rediscover != nil {
		l.rediscover.Stop()
		l.rediscover = nil
	}
	l.seq.Reset()
	l.resolved.Clear()
	l.chars = orderedmap.New[string, device.Characteristic]()

	if conn := l.conn; conn != nil {
		l.conn = nil
		gen := l.gen
		groutine.Go(context.Background(), "hrv-disconnect", func(context.Context) {
			if err := conn.Disconnect(); err != nil {
				l.logger.WithFields(logrus.Fields{
					"gen":   gen,
					"error": err,
				}).Debug("Disconnect returned error")
			}
		})
	}
}
