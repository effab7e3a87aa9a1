// Package store implements the durable record store: named records grouped in
// named collections, with an atomic Move that doubles as the claim primitive.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"

	"github.com/msageha/taskvault/internal/model"
)

var (
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotFound      = errors.New("record not found")
)

// Store is the record store contract shared by every backend.
//
// Move is atomic: a record is never visible in both collections nor in
// neither. It fails with ErrNotFound when the record is no longer in from,
// which callers treat as a lost claim, and with ErrAlreadyExists when to
// already holds the id.
type Store interface {
	Create(ctx context.Context, collection, id string, content []byte) error
	// Replace atomically overwrites an existing record; ErrNotFound if absent.
	Replace(ctx context.Context, collection, id string, content []byte) error
	Read(ctx context.Context, collection, id string) ([]byte, error)
	Move(ctx context.Context, id, from, to string) error
	// List yields record ids lazily. Each call sees every id at most once;
	// records inserted during iteration may or may not appear.
	List(ctx context.Context, collection string) iter.Seq2[string, error]
	Delete(ctx context.Context, collection, id string) error
	// Recover repairs backend-level debris left by a crash. Idempotent.
	Recover(ctx context.Context) (RecoveryReport, error)
	Close() error
}

type RecoveryReport struct {
	TempFilesRemoved int
}

var collectionRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func validate(collection, id string) error {
	if !collectionRegex.MatchString(collection) {
		return fmt.Errorf("invalid collection %q", collection)
	}
	return model.ValidateRecordID(id)
}

// ListAll drains List into a slice.
func ListAll(ctx context.Context, s Store, collection string) ([]string, error) {
	var ids []string
	for id, err := range s.List(ctx, collection) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Exists reports whether id is present in collection.
func Exists(ctx context.Context, s Store, collection, id string) (bool, error) {
	_, err := s.Read(ctx, collection, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Locate returns the first of collections that holds id.
func Locate(ctx context.Context, s Store, id string, collections ...string) (string, error) {
	for _, c := range collections {
		ok, err := Exists(ctx, s, c, id)
		if err != nil {
			return "", err
		}
		if ok {
			return c, nil
		}
	}
	return "", ErrNotFound
}
