package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"snipbin/svc/util"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	hashTimeout       = 5 * time.Second
	queueSize         = 1024
)

var (
	ErrHasherStopped  = errors.New("hasher is shutting down")
	ErrPasswordTooBig = errors.New("password too long")
)

// dummyHash is verified against when there is no stored hash, so a missing
// account costs the same argon2 work as a wrong password.
const dummyHash = "$argon2id$v=19$m=8192,t=1,p=1$ZHVtbXlzYWx0ZHVtbXk$ZHVtbXloYXNoZHVtbXloYXNoZHVtbXloYXNoMTI"

// Hasher runs argon2id on a fixed pool of workers so a burst of logins cannot
// pin every CPU.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
	pepper      []byte
	mu          sync.RWMutex
	jobQueue    chan hashJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}

type hashJob struct {
	verify   bool
	password string
	encoded  string
	resp     chan hashResult
}

type hashResult struct {
	hash        string
	match       bool
	needsRehash bool
	err         error
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	pepperCopy := make([]byte, len(pepper))
	copy(pepperCopy, pepper)
	return &Hasher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
		pepper:      pepperCopy,
		jobQueue:    make(chan hashJob, queueSize),
		quit:        make(chan struct{}),
	}, nil
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	util.Debug().Int("workers", workers).Msg("password hasher started")
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobQueue:
			var res hashResult
			if job.verify {
				res.match, res.needsRehash, res.err = h.verifyInternal(job.password, job.encoded)
			} else {
				res.hash, res.err = h.doHash(job.password)
			}
			job.resp <- res
		case <-h.quit:
			return
		}
	}
}

func (h *Hasher) submit(ctx context.Context, job hashJob) (hashResult, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return hashResult{}, errors.New("hasher not started - call Start() first")
	}
	ctx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()
	job.resp = make(chan hashResult, 1)
	select {
	case h.jobQueue <- job:
	case <-ctx.Done():
		return hashResult{}, errors.Wrap(ctx.Err(), "hash queue full")
	case <-h.quit:
		return hashResult{}, ErrHasherStopped
	}
	select {
	case res := <-job.resp:
		return res, res.err
	case <-ctx.Done():
		return hashResult{}, errors.Wrap(ctx.Err(), "hash timeout")
	case <-h.quit:
		return hashResult{}, ErrHasherStopped
	}
}

// Hash returns a PHC-formatted argon2id hash of the peppered password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooBig
	}
	res, err := h.submit(ctx, hashJob{password: password})
	if err != nil {
		return "", err
	}
	return res.hash, nil
}

// Verify reports whether password matches encoded and whether encoded was
// made with different cost parameters. An empty encoded is checked against a
// dummy hash and never matches.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, bool, error) {
	known := encoded != ""
	if !known {
		encoded = dummyHash
	}
	if len(password) > maxPasswordLength {
		password = strings.Repeat("x", maxPasswordLength)
		known = false
	}
	res, err := h.submit(ctx, hashJob{verify: true, password: password, encoded: encoded})
	if err != nil {
		return false, false, err
	}
	if !known {
		return false, false, nil
	}
	return res.match, res.needsRehash, nil
}

// RehashIfNeeded verifies password and returns a fresh hash when the stored
// one used outdated parameters.
func (h *Hasher) RehashIfNeeded(ctx context.Context, password, oldHash string) (string, bool, error) {
	match, needsRehash, err := h.Verify(ctx, password, oldHash)
	if err != nil {
		return "", false, err
	}
	if !match {
		return "", false, errors.New("password mismatch")
	}
	if !needsRehash {
		return oldHash, false, nil
	}
	newHash, err := h.Hash(ctx, password)
	if err != nil {
		return "", false, err
	}
	return newHash, true, nil
}

func (h *Hasher) doHash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "read salt")
	}
	hash := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Salt, b64Hash), nil
}

// verifyInternal always runs one argon2 derivation, even for malformed
// input, so timing does not reveal which check failed.
func (h *Hasher) verifyInternal(pwd, encoded string) (bool, bool, error) {
	var mem, iters uint32 = h.memory, h.iterations
	var threads uint8 = h.parallelism
	var salt, hash []byte
	valid := true
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
	} else if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else if mem > 2*1024*1024 || iters > 1000 || threads > 128 || mem == 0 || iters == 0 || threads == 0 {
		valid = false
		mem, iters, threads = h.memory, h.iterations, h.parallelism
	} else {
		var err error
		salt, err = base64.RawStdEncoding.DecodeString(parts[4])
		if err != nil || len(salt) == 0 {
			valid = false
			salt = nil
		}
		hash, err = base64.RawStdEncoding.DecodeString(parts[5])
		if err != nil || len(hash) == 0 || len(hash) > 256 {
			valid = false
			hash = nil
		}
	}
	if salt == nil {
		salt = make([]byte, 16)
	}
	if hash == nil {
		hash = make([]byte, 32)
	}
	defer util.Wipe(hash)
	defer util.Wipe(salt)
	peppered := h.applyPepper(pwd)
	if peppered == nil {
		return false, false, ErrHasherStopped
	}
	defer util.Wipe(peppered)
	otherHash := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(hash)))
	defer util.Wipe(otherHash)
	match := subtle.ConstantTimeCompare(hash, otherHash) == 1
	if !valid || !match {
		return false, false, nil
	}
	needsRehash := mem != h.memory || iters != h.iterations || threads != h.parallelism
	return true, needsRehash, nil
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
