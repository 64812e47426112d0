package exchange

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultMaxICE bounds a mailbox's candidate queue when no limit is configured.
const DefaultMaxICE = 64

// ErrNoMailbox is returned for sessions that have no mailbox (never opened or already destroyed).
var ErrNoMailbox = errors.New("exchange: no mailbox for session")

// Description is a pending offer or answer.
type Description struct {
	Type       webrtc.SDPType `json:"type"`
	SDP        string         `json:"sdp"`
	SenderID   string         `json:"sender_id,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Candidate is a trickled ICE candidate tagged with its sender.
type Candidate struct {
	webrtc.ICECandidateInit
	SenderID   string    `json:"sender_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type mailbox struct {
	mu     sync.Mutex
	offer  *Description
	answer *Description
	ice    []Candidate
}

// Cache holds one mailbox per active session. Reads are destructive: a taken
// offer or drained candidate is never returned again.
//
// The map lock only guards membership; each mailbox has its own lock so
// sessions never contend with each other.
type Cache struct {
	mu     sync.RWMutex
	boxes  map[string]*mailbox
	maxICE int
	now    func() time.Time
}

type Options struct {
	MaxICE int
	Now    func() time.Time
}

func New(opts Options) *Cache {
	if opts.MaxICE <= 0 {
		opts.MaxICE = DefaultMaxICE
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{boxes: map[string]*mailbox{}, maxICE: opts.MaxICE, now: opts.Now}
}

// Open creates the mailbox for sessionID. Opening an existing mailbox is a no-op.
func (c *Cache) Open(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.boxes[sessionID]; !ok {
		c.boxes[sessionID] = &mailbox{}
	}
}

// Destroy removes all state for sessionID and reports whether anything was removed.
func (c *Cache) Destroy(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.boxes[sessionID]; !ok {
		return false
	}
	delete(c.boxes, sessionID)
	return true
}

func (c *Cache) Has(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.boxes[sessionID]
	return ok
}

// Len returns the number of open mailboxes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.boxes)
}

func (c *Cache) box(sessionID string) (*mailbox, error) {
	c.mu.RLock()
	b, ok := c.boxes[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNoMailbox
	}
	return b, nil
}

// PutOffer stores d as the pending offer. A prior unread offer is overwritten;
// replaced reports whether that happened so the caller can log it.
func (c *Cache) PutOffer(sessionID string, d Description) (replaced bool, err error) {
	b, err := c.box(sessionID)
	if err != nil {
		return false, err
	}
	if d.Type == 0 {
		d.Type = webrtc.SDPTypeOffer
	}
	c.stamp(&d)
	b.mu.Lock()
	defer b.mu.Unlock()
	replaced = b.offer != nil
	b.offer = &d
	return replaced, nil
}

// TakeOffer returns and clears the pending offer.
func (c *Cache) TakeOffer(sessionID string) (Description, bool, error) {
	return c.TakeOfferFor(sessionID, "")
}

// TakeOfferFor is TakeOffer on behalf of readerID: an offer readerID sent
// itself is left in place and reported as empty. An empty readerID reads anything.
func (c *Cache) TakeOfferFor(sessionID, readerID string) (Description, bool, error) {
	return c.take(sessionID, readerID, func(b *mailbox) **Description { return &b.offer })
}

func (c *Cache) PutAnswer(sessionID string, d Description) (replaced bool, err error) {
	b, err := c.box(sessionID)
	if err != nil {
		return false, err
	}
	if d.Type == 0 {
		d.Type = webrtc.SDPTypeAnswer
	}
	c.stamp(&d)
	b.mu.Lock()
	defer b.mu.Unlock()
	replaced = b.answer != nil
	b.answer = &d
	return replaced, nil
}

func (c *Cache) TakeAnswer(sessionID string) (Description, bool, error) {
	return c.TakeAnswerFor(sessionID, "")
}

func (c *Cache) TakeAnswerFor(sessionID, readerID string) (Description, bool, error) {
	return c.take(sessionID, readerID, func(b *mailbox) **Description { return &b.answer })
}

func (c *Cache) take(sessionID, readerID string, slot func(*mailbox) **Description) (Description, bool, error) {
	b, err := c.box(sessionID)
	if err != nil {
		return Description{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := slot(b)
	if *p == nil || (readerID != "" && (*p).SenderID == readerID) {
		return Description{}, false, nil
	}
	d := **p
	*p = nil
	return d, true, nil
}

// PushICE appends a candidate. When the queue is full the oldest entries are
// dropped; dropped reports how many.
func (c *Cache) PushICE(sessionID string, cand Candidate) (dropped int, err error) {
	b, err := c.box(sessionID)
	if err != nil {
		return 0, err
	}
	if cand.ReceivedAt.IsZero() {
		cand.ReceivedAt = c.now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ice = append(b.ice, cand)
	if over := len(b.ice) - c.maxICE; over > 0 {
		// Copy down so the backing array does not pin dropped candidates.
		n := copy(b.ice, b.ice[over:])
		clear(b.ice[n:])
		b.ice = b.ice[:n]
		dropped = over
	}
	return dropped, nil
}

// DrainICE returns all queued candidates in arrival order and empties the queue.
// The result is never nil.
func (c *Cache) DrainICE(sessionID string) ([]Candidate, error) {
	return c.DrainICEFor(sessionID, "")
}

// DrainICEFor drains the candidates addressed to recipientID, meaning every
// candidate it did not send. Its own candidates stay queued for the peer.
func (c *Cache) DrainICEFor(sessionID, recipientID string) ([]Candidate, error) {
	b, err := c.box(sessionID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if recipientID == "" {
		out := b.ice
		b.ice = nil
		if out == nil {
			out = []Candidate{}
		}
		return out, nil
	}
	out := []Candidate{}
	kept := b.ice[:0]
	for _, cand := range b.ice {
		if cand.SenderID == recipientID {
			kept = append(kept, cand)
			continue
		}
		out = append(out, cand)
	}
	clear(b.ice[len(kept):])
	b.ice = kept
	return out, nil
}

func (c *Cache) stamp(d *Description) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = c.now().UTC()
	}
}
