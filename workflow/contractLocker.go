package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ContractLocker serializes mutations of one contract. The version check in
// the store stays authoritative; locks only keep writers from racing.
type ContractLocker interface {
	Lock(ctx context.Context, contractId string) (unlock func(), err error)
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// LocalLocker is a keyed mutex. Entries are dropped when nobody holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*lockEntry{}}
}

func (l *LocalLocker) Lock(ctx context.Context, contractId string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[contractId]
	if !ok {
		e = &lockEntry{}
		l.locks[contractId] = e
	}
	e.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		// hand the mutex back once the goroutine gets it
		go func() {
			<-acquired
			l.release(contractId, e)
		}()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(contractId, e) }) }, nil
}

func (l *LocalLocker) release(contractId string, e *lockEntry) {
	e.mu.Unlock()
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, contractId)
	}
	l.mu.Unlock()
}

// RedisLocker adds a redislock lease on top of the local lock so that several
// instances serialize on the same contract. Redis trouble is logged and the
// call proceeds on the local lock alone.
type RedisLocker struct {
	Local  *LocalLocker
	Client *redislock.Client
	TTL    time.Duration
	Wait   time.Duration
	Logger *logrus.Logger
}

func NewRedisLocker(client *redislock.Client, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{
		Local:  NewLocalLocker(),
		Client: client,
		TTL:    30 * time.Second,
		Wait:   5 * time.Second,
		Logger: logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, contractId string) (func(), error) {
	unlockLocal, err := l.Local.Lock(ctx, contractId)
	if err != nil {
		return nil, err
	}
	if l.Client == nil {
		l.warn(contractId, "redis lock not ready; proceeding without redis lock")
		return unlockLocal, nil
	}

	retries := int(l.Wait / (50 * time.Millisecond))
	lock, err := l.Client.Obtain(ctx, fmt.Sprintf("lock:contract:%s", contractId), l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), retries),
	})
	if err == redislock.ErrNotObtained {
		l.warn(contractId, "could not obtain redis lock; proceeding without redis lock")
		return unlockLocal, nil
	} else if err != nil {
		l.warn(contractId, "error obtaining redis lock; proceeding without redis lock: "+err.Error())
		return unlockLocal, nil
	}

	return func() {
		// the lease may outlive a cancelled request context
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if releaseErr := lock.Release(releaseCtx); releaseErr != nil {
			l.warn(contractId, "failed to release redis lock: "+releaseErr.Error())
		}
		unlockLocal()
	}, nil
}

func (l *RedisLocker) warn(contractId, msg string) {
	if l.Logger == nil {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"field":       "RedisLocker",
		"contract_id": contractId,
	}).Warn(msg)
}
