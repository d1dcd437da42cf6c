package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/httpkit"
)

// Registrar receives discovered partner handles. Satisfied by the
// sender resolver.
type Registrar interface {
	AddPartner(channel, rawID, name string)
}

// Syncer pulls the partner address book from a CardDAV server and
// registers phone numbers as WhatsApp handles and email addresses as
// email handles.
type Syncer struct {
	cfg       config.ContactsConfig
	store     *Store
	registrar Registrar
	logger    *slog.Logger
	client    *carddav.Client
}

// NewSyncer creates a CardDAV syncer. store may be nil to sync into
// the registrar only.
func NewSyncer(cfg config.ContactsConfig, store *Store, registrar Registrar, logger *slog.Logger) (*Syncer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := webdav.HTTPClientWithBasicAuth(
		httpkit.NewClient(httpkit.WithTimeout(30*time.Second)),
		cfg.Username, cfg.Password,
	)
	client, err := carddav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create carddav client: %w", err)
	}

	return &Syncer{
		cfg:       cfg,
		store:     store,
		registrar: registrar,
		logger:    logger,
		client:    client,
	}, nil
}

// Run syncs immediately and then on the configured interval until ctx
// is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	interval := time.Hour
	if s.cfg.SyncInterval != "" {
		if d, err := time.ParseDuration(s.cfg.SyncInterval); err == nil && d > 0 {
			interval = d
		}
	}

	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("initial contact sync failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("contact sync failed", "error", err)
			}
		}
	}
}

// Sync discovers the user's address books and registers every contact
// handle. Returns the first error; partial progress is kept.
func (s *Syncer) Sync(ctx context.Context) error {
	principal, err := s.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := s.client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return fmt.Errorf("find home set: %w", err)
	}
	books, err := s.client.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return fmt.Errorf("find address books: %w", err)
	}

	total := 0
	for _, book := range books {
		n, err := s.syncBook(ctx, book)
		if err != nil {
			return fmt.Errorf("sync %s: %w", book.Path, err)
		}
		total += n
	}
	s.logger.Info("contacts synced", "books", len(books), "handles", total)
	return nil
}

func (s *Syncer) syncBook(ctx context.Context, book carddav.AddressBook) (int, error) {
	objects, err := s.client.QueryAddressBook(ctx, book.Path, &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{
				vcard.FieldFormattedName,
				vcard.FieldTelephone,
				vcard.FieldEmail,
			},
		},
	})
	if err != nil {
		return 0, err
	}

	handles := 0
	for _, obj := range objects {
		handles += s.register(obj.Card)
	}
	return handles, nil
}

// register maps one vCard onto channel handles: telephone numbers
// become WhatsApp identities, email addresses become email identities.
func (s *Syncer) register(card vcard.Card) int {
	name := card.PreferredValue(vcard.FieldFormattedName)
	if name == "" {
		return 0
	}

	count := 0
	for _, tel := range card.Values(vcard.FieldTelephone) {
		handle := normalizePhone(tel)
		if handle == "" {
			continue
		}
		s.add("whatsapp", handle, name)
		count++
	}
	for _, addr := range card.Values(vcard.FieldEmail) {
		handle := strings.ToLower(strings.TrimSpace(addr))
		if handle == "" {
			continue
		}
		s.add("email", handle, name)
		count++
	}
	return count
}

func (s *Syncer) add(channel, handle, name string) {
	s.registrar.AddPartner(channel, handle, name)
	if s.store != nil {
		if err := s.store.Upsert(name, channel, handle); err != nil {
			s.logger.Warn("contact store upsert failed", "error", err)
		}
	}
}

// normalizePhone strips formatting characters, keeping digits and a
// leading plus so numbers match WhatsApp sender ids.
func normalizePhone(tel string) string {
	var b strings.Builder
	for i, r := range tel {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
