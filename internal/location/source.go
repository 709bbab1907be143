package location

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ridesync/internal/geo"
)

// Sample is one reading from a position source.
type Sample struct {
	Point      geo.Point `json:"point"`
	CapturedAt time.Time `json:"captured_at"`
}

// Source is a callback-style position stream. Watch starts sampling; the returned release
// func stops it and must be called exactly once.
type Source interface {
	Watch(ctx context.Context) (<-chan Sample, func(), error)
}

// watchers counts live Watch subscriptions so callers can verify release.
type watchers struct {
	n atomic.Int32
}

func (w *watchers) Active() int { return int(w.n.Load()) }

// ChannelSource forwards samples pushed with Push to every active watcher.
type ChannelSource struct {
	watchers
	mu   sync.Mutex
	subs map[chan Sample]struct{}
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{subs: make(map[chan Sample]struct{})}
}

// Push hands s to every watcher, replacing an unread sample.
func (c *ChannelSource) Push(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		offerLatest(ch, s)
	}
}

func (c *ChannelSource) Watch(context.Context) (<-chan Sample, func(), error) {
	ch := make(chan Sample, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	c.n.Add(1)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
			c.n.Add(-1)
		})
	}, nil
}

// TrackSource replays a fixed track, one point per Interval. The last point repeats once
// the track is exhausted, like a parked vehicle.
type TrackSource struct {
	watchers
	Track    []geo.Point
	Interval time.Duration
	Now      func() time.Time
}

func NewTrackSource(track []geo.Point, interval time.Duration) *TrackSource {
	return &TrackSource{Track: track, Interval: interval, Now: func() time.Time { return time.Now().UTC() }}
}

func (t *TrackSource) Watch(ctx context.Context) (<-chan Sample, func(), error) {
	if len(t.Track) == 0 {
		return nil, nil, ErrLocationUnavailable
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Sample, 1)
	done := make(chan struct{})
	t.n.Add(1)
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.Interval)
		defer ticker.Stop()
		for i := 0; ; {
			offerLatest(ch, Sample{Point: t.Track[i], CapturedAt: t.Now()})
			if i < len(t.Track)-1 {
				i++
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			<-done
			t.n.Add(-1)
		})
	}, nil
}

// offerLatest puts s on a one-slot channel, dropping the unread sample it replaces.
// Only safe with a single sender per channel.
func offerLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
