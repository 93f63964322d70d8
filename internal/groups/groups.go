// Package groups talks to the Google Groups Migration API on behalf of the
// importer. A service account with domain-wide delegation impersonates an
// administrator and inserts raw RFC 822 messages into a group's archive.
package groups

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/googleapi"
	groupsmigration "google.golang.org/api/groupsmigration/v1"
	"google.golang.org/api/option"

	"github.com/snehjoshi/listmigrate/internal/importer"
	"github.com/snehjoshi/listmigrate/internal/mbox"
)

// DefaultMaxMessageBytes is the API's documented upload limit (25 MiB).
const DefaultMaxMessageBytes = 26_214_400

// Config identifies the destination group and the caller.
type Config struct {
	Group string
	// CredsFile is a service account key in JSON form.
	CredsFile string
	// Delegator is the principal the service account impersonates.
	Delegator       string
	MaxMessageBytes int64

	// HTTPClient, when set, replaces the delegated OAuth client.
	HTTPClient *http.Client
	// Endpoint overrides the API base URL.
	Endpoint string
}

// Archive inserts messages into one group's archive.
type Archive struct {
	svc      *groupsmigration.Service
	group    string
	maxBytes int64
}

// New builds an Archive with its own HTTP client and token source.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Group == "" {
		return nil, errors.New("groups: group must not be empty")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}

	client := cfg.HTTPClient
	if client == nil {
		jc, err := delegatedJWT(cfg.CredsFile, cfg.Delegator)
		if err != nil {
			return nil, err
		}
		client = jc.Client(ctx)
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := groupsmigration.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("groups: create service: %w", err)
	}
	return &Archive{svc: svc, group: cfg.Group, maxBytes: cfg.MaxMessageBytes}, nil
}

// delegatedJWT loads a service account key and sets it up to act as
// delegator.
func delegatedJWT(credsFile, delegator string) (*jwt.Config, error) {
	if delegator == "" {
		return nil, errors.New("groups: delegator must not be empty")
	}
	data, err := os.ReadFile(credsFile)
	if err != nil {
		return nil, fmt.Errorf("groups: read credentials: %w", err)
	}
	jc, err := google.JWTConfigFromJSON(data, groupsmigration.AppsGroupsMigrationScope)
	if err != nil {
		return nil, fmt.Errorf("groups: parse credentials: %w", err)
	}
	jc.Subject = delegator
	return jc, nil
}

// NewInsert reads the message and checks it against the upload limit.
func (a *Archive) NewInsert(item mbox.Item) (importer.InsertCall, error) {
	info, err := os.Stat(item.Path)
	if err != nil {
		return nil, fmt.Errorf("groups: stat %s: %w", item.Key, err)
	}
	if info.Size() > a.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", importer.ErrTooLarge, info.Size(), a.maxBytes)
	}
	raw, err := os.ReadFile(item.Path)
	if err != nil {
		return nil, fmt.Errorf("groups: read %s: %w", item.Key, err)
	}
	return &insertCall{a: a, raw: raw}, nil
}

type insertCall struct {
	a   *Archive
	raw []byte
}

// Do uploads the message in a single request. A 503 from the API is reported
// as importer.ErrUnavailable; every other failure is returned as is.
func (c *insertCall) Do(ctx context.Context) (string, error) {
	res, err := c.a.svc.Archive.Insert(c.a.group).
		Media(bytes.NewReader(c.raw),
			googleapi.ContentType("message/rfc822"),
			googleapi.ChunkSize(0),
		).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusServiceUnavailable {
			return "", fmt.Errorf("%w: %v", importer.ErrUnavailable, err)
		}
		return "", err
	}
	return res.ResponseCode, nil
}
