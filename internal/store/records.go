package store

import (
	"context"
	"fmt"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskvault/internal/model"
	tvyaml "github.com/msageha/taskvault/internal/yaml"
)

// ReadYAML reads a record and decodes it after checking its schema header.
func ReadYAML[T any](ctx context.Context, s Store, collection, id, fileType string) (T, error) {
	var v T
	data, err := s.Read(ctx, collection, id)
	if err != nil {
		return v, err
	}
	if err := tvyaml.Decode(data, fileType, &v); err != nil {
		return v, fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	return v, nil
}

func CreateYAML(ctx context.Context, s Store, collection, id string, v any) error {
	data, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return s.Create(ctx, collection, id, data)
}

func ReplaceYAML(ctx context.Context, s Store, collection, id string, v any) error {
	data, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return s.Replace(ctx, collection, id, data)
}

type quarantined struct {
	Origin string `yaml:"origin"`
	Raw    string `yaml:"raw"`
}

// Quarantine copies a record into the quarantine collection under a unique
// id and removes the original. Used for duplicates the reconciler discards.
func Quarantine(ctx context.Context, s Store, collection, id string, now time.Time) (string, error) {
	data, err := s.Read(ctx, collection, id)
	if err != nil {
		return "", err
	}
	var doc any
	if yamlv3.Unmarshal(data, &doc) != nil {
		// Unparseable records are kept verbatim inside a wrapper document.
		data, err = yamlv3.Marshal(quarantined{Origin: collection + "/" + id, Raw: string(data)})
		if err != nil {
			return "", fmt.Errorf("yaml marshal: %w", err)
		}
	}
	qid := fmt.Sprintf("%s.%s.%d", id, collection, now.UnixNano())
	if err := s.Create(ctx, model.CollQuarantine, qid, data); err != nil {
		return "", fmt.Errorf("quarantine %s/%s: %w", collection, id, err)
	}
	if err := s.Delete(ctx, collection, id); err != nil {
		return "", fmt.Errorf("remove quarantined %s/%s: %w", collection, id, err)
	}
	return qid, nil
}
