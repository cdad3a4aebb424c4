package svc

import (
	"context"
	"io"
	"math"
	"snipbin/cfg"
	"snipbin/metrics"
	"snipbin/pkg/domain"
	"snipbin/pkg/dur"
	"snipbin/svc/cache"
	"snipbin/svc/db"
	"snipbin/svc/util"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

var ErrShuttingDown = errors.New("service shutting down")

const readChunk = 32 * 1024

const defaultQueryTimeout = 5 * time.Second

// latestExpiration is the last instant whose UnixNano fits in an int64.
var latestExpiration = time.Unix(0, math.MaxInt64)

// Store is the persistence the paste lifecycle needs.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) (int64, error)
	TitleExists(ctx context.Context, title string) (bool, error)
	GetByTitle(ctx context.Context, title string, asOf time.Time) (*domain.Paste, error)
	FindByTitle(ctx context.Context, title string) (*domain.Paste, error)
	ListPublic(ctx context.Context, search string) ([]*domain.Paste, error)
	ListByOwner(ctx context.Context, userID int64) ([]*domain.Paste, error)
	DeleteExpired(ctx context.Context, asOf time.Time) (int, error)
	DeleteByID(ctx context.Context, id int64) (int, error)
	DeleteByOwner(ctx context.Context, userID int64) (int, error)
}

type Paste struct {
	store             Store
	lru               *cache.LRU
	rdb               *db.Redis
	maxChars          int
	maxBodyBytes      int64
	defaultExpiration string
	cacheTTL          time.Duration
	queryTimeout      time.Duration
	now               func() time.Time
	group             singleflight.Group
	mu                sync.RWMutex
	closed            bool
	opWg              sync.WaitGroup
}

func NewPaste(store Store, lru *cache.LRU, rdb *db.Redis, c *cfg.Cfg) *Paste {
	if store == nil || lru == nil || c == nil {
		panic("paste service: nil dependency (store, lru, or cfg)")
	}
	queryTimeout := c.DBQueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Paste{
		store:             store,
		lru:               lru,
		rdb:               rdb,
		maxChars:          c.MaxCharContent,
		maxBodyBytes:      c.MaxBodyBytes(),
		defaultExpiration: c.DefaultExpiration,
		cacheTTL:          c.CacheTTL,
		queryTimeout:      queryTimeout,
		now:               time.Now,
	}
}

// Shutdown rejects new creates and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// DefaultExpirationValid reports whether the configured default parses.
func (p *Paste) DefaultExpirationValid() bool {
	_, err := p.resolveExpiration("", p.now())
	return err == nil
}

// ReadContent buffers a request body, failing with ErrContentInvalid as soon
// as it grows past the byte ceiling. Cancellation stops the read.
func (p *Paste) ReadContent(ctx context.Context, body io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := body.Read(buf)
		if n > 0 {
			if int64(sb.Len()+n) > p.maxBodyBytes {
				return "", domain.ErrContentInvalid
			}
			sb.Write(buf[:n])
		}
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", errors.Wrap(err, "read body")
		}
	}
}

// Create validates params and stores a new paste under a fresh title.
// Nothing is written unless every check passes.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if !p.begin() {
		return nil, ErrShuttingDown
	}
	defer p.opWg.Done()

	content := strings.TrimSpace(norm.NFC.String(params.Content))
	if n := utf8.RuneCountInString(content); n == 0 || n > p.maxChars {
		return nil, domain.ErrContentInvalid
	}
	visibility, err := domain.ParseVisibility(params.Visibility)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	expiration, err := p.resolveExpiration(params.Expiration, now)
	if err != nil {
		return nil, err
	}
	paste := &domain.Paste{
		Content:     content,
		Visibility:  visibility,
		CreatedAt:   now,
		UpdatedAt:   now,
		Expiration:  expiration,
		IsEncrypted: params.IsEncrypted,
		UserID:      params.CallerID,
		IsUserPaste: params.CallerID != nil,
	}
	if err := p.insertWithTitle(ctx, paste); err != nil {
		return nil, err
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("title", paste.Title).
		Str("visibility", string(paste.Visibility)).
		Bool("never_expires", paste.Expiration == nil).
		Msg("paste created")
	return paste, nil
}

// begin registers an in-flight create unless Shutdown has already closed
// the service.
func (p *Paste) begin() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.opWg.Add(1)
	return true
}

// insertWithTitle allocates titles until an insert sticks. Pre-check
// collisions and insert-time collisions share one attempt budget.
func (p *Paste) insertWithTitle(ctx context.Context, paste *domain.Paste) error {
	remaining := util.MaxTitleAttempts
	for remaining > 0 {
		title, used, err := util.GenTitle(ctx, remaining, p.store.TitleExists)
		remaining -= used
		if used > 1 {
			metrics.TitleCollisions.Add(float64(used - 1))
		}
		if errors.Is(err, util.ErrTitleSpaceExhausted) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "allocate title")
		}
		paste.Title = title
		id, err := p.store.Insert(ctx, paste)
		if errors.Is(err, domain.ErrTitleTaken) {
			metrics.TitleCollisions.Inc()
			continue
		}
		if err != nil {
			return errors.Wrap(err, "create paste")
		}
		paste.ID = id
		return nil
	}
	paste.Title = ""
	util.Error().Int("attempts", util.MaxTitleAttempts).Msg("title allocation exhausted")
	return domain.ErrAllocationExhausted
}

// resolveExpiration maps the caller's expiration string to an absolute
// deadline. Empty means the configured default; "never" means nil.
// Deadlines past latestExpiration cannot be stored and are rejected.
func (p *Paste) resolveExpiration(raw string, now time.Time) (*time.Time, error) {
	usingDefault := raw == ""
	if usingDefault {
		raw = p.defaultExpiration
	}
	if strings.EqualFold(raw, "never") {
		return nil, nil
	}
	d, err := dur.Parse(raw)
	if err == nil && now.Add(d).After(latestExpiration) {
		err = errors.Wrapf(dur.ErrInvalidDuration, "%q ends after %d", raw, latestExpiration.Year())
	}
	if err != nil {
		if usingDefault || raw == p.defaultExpiration {
			util.Error().Err(err).Str("default", p.defaultExpiration).Msg("PASTE_DEFAULT_EXPIRATION does not parse")
			return nil, domain.ErrDefaultExpiration
		}
		return nil, domain.ErrInvalidExpiration
	}
	exp := now.Add(d)
	return &exp, nil
}

// purge drops expired rows. Reads filter expiry on their own, so a failed
// purge is logged and not surfaced.
func (p *Paste) purge(ctx context.Context, now time.Time) {
	n, err := p.store.DeleteExpired(ctx, now)
	if err != nil {
		util.Warn().Err(err).Str("request_id", util.GetRequestID(ctx)).Msg("expired paste purge failed")
	}
	if n > 0 {
		metrics.PastesPurged.Add(float64(n))
		util.Debug().Int("purged", n).Msg("expired pastes purged")
	}
}

// Get returns the live paste with title, or ErrPasteNotFound.
func (p *Paste) Get(ctx context.Context, title string) (*domain.Paste, error) {
	now := p.now()
	p.purge(ctx, now)
	if !util.IsTitle(title) {
		return nil, domain.ErrPasteNotFound
	}
	if paste := p.lru.Get(ctx, title); paste != nil && !paste.Expired(now) {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		metrics.PasteRetrieved.Inc()
		return paste, nil
	}
	if p.rdb != nil {
		paste, err := p.rdb.GetPaste(ctx, title)
		if err != nil {
			util.Warn().Err(err).Str("title", title).Msg("redis paste lookup failed")
		} else if paste != nil && !paste.Expired(now) {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			p.lru.Set(paste, p.cacheTTL)
			metrics.PasteRetrieved.Inc()
			return paste, nil
		}
	}
	metrics.CacheMisses.Inc()
	// The shared lookup outlives any one caller; each caller still honours
	// its own cancellation.
	ch := p.group.DoChan(title, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.queryTimeout)
		defer cancel()
		return p.store.GetByTitle(qctx, title, now)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	paste := v.(*domain.Paste)
	p.lru.Set(paste, p.cacheTTL)
	if p.rdb != nil {
		if err := p.rdb.CachePaste(ctx, paste, cache.TTL(paste, p.cacheTTL, now)); err != nil {
			util.Warn().Err(err).Str("title", title).Msg("failed to cache in Redis")
		}
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// List returns public, unencrypted, live pastes newest first, optionally
// filtered by a case-sensitive substring of title or content.
func (p *Paste) List(ctx context.Context, search string) ([]*domain.Paste, error) {
	now := p.now()
	p.purge(ctx, now)
	rows, err := p.store.ListPublic(ctx, search)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	return live(rows, now), nil
}

// ListForOwner returns the caller's own live pastes newest first.
func (p *Paste) ListForOwner(ctx context.Context, userID int64) ([]*domain.Paste, error) {
	rows, err := p.store.ListByOwner(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list owner pastes")
	}
	return live(rows, p.now()), nil
}

func live(rows []*domain.Paste, now time.Time) []*domain.Paste {
	out := rows[:0]
	for _, r := range rows {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out
}

// Delete removes the paste with title if callerID owns it. Expired pastes
// can still be deleted by their owner.
func (p *Paste) Delete(ctx context.Context, title string, callerID int64) error {
	paste, err := p.store.FindByTitle(ctx, title)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(err, "find paste")
	}
	if !paste.OwnedBy(callerID) {
		return domain.ErrForbidden
	}
	n, err := p.store.DeleteByID(ctx, paste.ID)
	if err != nil {
		return errors.Wrap(err, "delete paste")
	}
	if n == 0 {
		return domain.ErrPasteNotFound
	}
	p.invalidate(ctx, title)
	metrics.PasteDeleted.Inc()
	util.Info().
		Str("request_id", util.GetRequestID(ctx)).
		Str("title", title).
		Int64("user_id", callerID).
		Msg("paste deleted by owner")
	return nil
}

// DeleteOwned removes every paste owned by userID.
func (p *Paste) DeleteOwned(ctx context.Context, userID int64) (int, error) {
	owned, err := p.store.ListByOwner(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "list owner pastes")
	}
	n, err := p.store.DeleteByOwner(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "delete owner pastes")
	}
	titles := make([]string, len(owned))
	for i, o := range owned {
		titles[i] = o.Title
	}
	p.invalidate(ctx, titles...)
	metrics.PasteDeleted.Add(float64(n))
	return n, nil
}

func (p *Paste) invalidate(ctx context.Context, titles ...string) {
	p.lru.Delete(titles...)
	if p.rdb != nil {
		if err := p.rdb.DeletePaste(ctx, titles...); err != nil {
			util.Warn().Err(err).Int("titles", len(titles)).Msg("failed to delete from redis")
		}
	}
}
