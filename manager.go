package sqlsession

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// GCDisabled turns off the Manager's scheduled GC when used as Config.GCSchedule.
const GCDisabled = "off"

// Manager drives the session lifecycle for HTTP requests: it opens and locks the
// session named by the request cookie, decodes its payload, writes it back on Save
// and releases the lock when the request ends. It also schedules the GC sweep.
type Manager struct {
	store        *Store
	ttl          time.Duration
	cookie       string
	cookiePath   string
	cookieDomain string
	httpOnly     bool
	secure       *bool
	sameSite     http.SameSite
	cron         *cron.Cron
	log          logrus.FieldLogger
}

type Config struct {
	Store *Store
	// TTL is the session max lifetime: GC removes sessions idle for longer, and
	// cookies expire after it. Defaults to 24h.
	TTL          time.Duration
	CookieName   string
	CookiePath   string
	CookieDomain string
	// GCSchedule is a cron spec for the GC sweep. Defaults to "@every 10m";
	// GCDisabled turns the sweep off.
	GCSchedule string
	HttpOnly   *bool
	Secure     *bool
	SameSite   http.SameSite
	Logger     logrus.FieldLogger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.CookieName == "" {
		cfg.CookieName = "session_id"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.GCSchedule == "" {
		cfg.GCSchedule = "@every 10m"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	m := &Manager{
		store:        cfg.Store,
		ttl:          cfg.TTL,
		cookie:       cfg.CookieName,
		cookiePath:   cfg.CookiePath,
		cookieDomain: cfg.CookieDomain,
		httpOnly:     true, // Default
		secure:       cfg.Secure,
		sameSite:     http.SameSiteLaxMode, // Default
		cron:         cron.New(),
		log:          cfg.Logger.WithField("component", "session_manager"),
	}

	if cfg.HttpOnly != nil {
		m.httpOnly = *cfg.HttpOnly
	}

	if cfg.SameSite != 0 {
		m.sameSite = cfg.SameSite
	}

	// Browsers reject SameSite=None cookies without the Secure attribute.
	if m.sameSite == http.SameSiteNoneMode {
		secure := true
		m.secure = &secure
	}

	if cfg.GCSchedule != GCDisabled {
		if _, err := m.cron.AddFunc(cfg.GCSchedule, m.scheduledGC); err != nil {
			return nil, fmt.Errorf("invalid gc schedule %q: %w", cfg.GCSchedule, err)
		}
	}
	m.cron.Start()

	return m, nil
}

func (m *Manager) scheduledGC() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = m.CollectGarbage(ctx)
}

// CollectGarbage removes sessions idle for longer than the TTL.
func (m *Manager) CollectGarbage(ctx context.Context) (int64, error) {
	n, err := m.store.GC(ctx, m.ttl)
	if err != nil {
		m.log.WithError(err).Error("session gc failed")
		return 0, err
	}
	m.log.WithField("removed", n).Debug("session gc finished")
	return n, nil
}

// Close stops the GC schedule, waits for a running sweep and closes the store.
func (m *Manager) Close() error {
	<-m.cron.Stop().Done()
	return m.store.Close()
}

// Start opens the session named by the request cookie, or a new one, and loads its values.
// The session lock is held until Release.
func (m *Manager) Start(r *http.Request) (*Session, error) {
	id := ""
	// Only IDs this manager could have issued reach the store.
	if cookie, err := r.Cookie(m.cookie); err == nil && isValidID(cookie.Value) {
		id = cookie.Value
	}
	if id == "" {
		var err error
		if id, err = generateID(); err != nil {
			return nil, err
		}
	}

	ctx := r.Context()
	h := m.store.NewHandler()
	result := h.Open(ctx, id)

	data, err := h.Read(ctx, id)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	values, err := decodeValues(data)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}

	return &Session{
		ID:      id,
		Values:  values,
		Lock:    result,
		handler: h,
	}, nil
}

// Release ends the session lifecycle and frees the session lock.
func (m *Manager) Release(ctx context.Context, s *Session) {
	if s.handler != nil {
		s.handler.Close(ctx)
	}
}

// New returns an empty session with a fresh ID. It is not locked.
func (m *Manager) New() *Session {
	id, err := generateID()
	if err != nil {
		panic(err)
	}
	return &Session{
		ID:      id,
		Values:  make(map[string]any),
		handler: m.store.NewHandler(),
	}
}

func (m *Manager) Save(w http.ResponseWriter, r *http.Request, s *Session) error {
	// Session.Set may run concurrently with the encoding below.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isValidID(s.ID) {
		return ErrInvalidSessionID
	}

	buf, err := encodeValues(s.Values)
	if err != nil {
		return err
	}
	defer PutBuffer(buf)

	var payload []byte
	if buf != nil {
		payload = buf.Bytes()
	}
	if err := m.handlerFor(s).Write(r.Context(), s.ID, payload); err != nil {
		return err
	}

	m.setCookie(w, r, s.ID, time.Now().Add(m.ttl), int(m.ttl.Seconds()))
	return nil
}

// Regenerate regenerates the session ID to prevent session fixation attacks.
// It saves the session under a new ID, removes the old row and moves the
// session lock to the new ID.
func (m *Manager) Regenerate(w http.ResponseWriter, r *http.Request, s *Session) error {
	oldID := s.ID
	newID, err := generateID()
	if err != nil {
		return err
	}
	s.ID = newID

	if err := m.Save(w, r, s); err != nil {
		s.ID = oldID // Restore old ID on failure
		return err
	}

	ctx := r.Context()
	h := m.handlerFor(s)
	if err := h.Destroy(ctx, oldID); err != nil {
		// Fail closed: the old ID must not stay usable next to the new one.
		_ = h.Destroy(ctx, newID)
		m.setCookie(w, r, "", time.Time{}, -1)
		return err
	}

	s.Lock = h.Open(ctx, newID)
	return nil
}

func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request, s *Session) error {
	// Always clear the cookie, even if store deletion fails.
	m.setCookie(w, r, "", time.Time{}, -1)

	// Wipe values even if the store deletion fails.
	defer s.Clear()

	return m.handlerFor(s).Destroy(r.Context(), s.ID)
}

// Middleware starts the session for each request, stores it in the request context
// and releases it once next returns. Handlers persist changes with Save.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Start(r)
		if err != nil {
			m.log.WithError(err).Error("failed to start session")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		defer m.Release(context.WithoutCancel(r.Context()), s)

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
	})
}

func (m *Manager) handlerFor(s *Session) *Handler {
	if s.handler == nil {
		s.handler = m.store.NewHandler()
	}
	return s.handler
}

func (m *Manager) setCookie(w http.ResponseWriter, r *http.Request, value string, expires time.Time, maxAge int) {
	secure := r.TLS != nil
	if m.secure != nil {
		secure = *m.secure
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    value,
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: m.httpOnly,
		Secure:   secure,
		SameSite: m.sameSite,
	})
}

type sessionCtxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// FromContext returns the session stored by Middleware.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionCtxKey{}).(*Session)
	return s, ok
}

func generateID() (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// validIDChars is a lookup table for valid hex characters (0-9, a-f).
var validIDChars = [256]bool{}

func init() {
	for i := 0; i < len(validIDChars); i++ {
		c := byte(i)
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			validIDChars[i] = true
		}
	}
}

// isValidID reports whether id has the format generateID produces (32 hex characters).
func isValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < 32; i++ {
		if !validIDChars[id[i]] {
			return false
		}
	}
	return true
}
