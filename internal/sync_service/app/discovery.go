package app

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
)

const (
	// verifyBatchSize bounds concurrent verification probes so a burst of
	// size-1 message queries stays under provider rate limits.
	verifyBatchSize = 5
	// minVerifyWindow keeps recall high even for tiny requested limits.
	minVerifyWindow = 50
)

// DiscoveryOptions shape one recent-conversations resolution.
type DiscoveryOptions struct {
	Limit             int
	PhoneNumberFilter string
	Since             *time.Time
	// TrustListingTimestamps skips per-candidate verification for providers
	// whose listing timestamps are known reliable; the sorted listing is
	// returned as-is.
	TrustListingTimestamps bool
}

// Discovery resolves "most recently active conversations" against providers
// whose conversation listings carry stale activity timestamps. The listing
// endpoint is cheap and reveals participant pairs; the message endpoint is
// accurate but needs the pair upfront. Discovery buys correctness with a
// bounded number of expensive calls: broad cheap listing, narrow expensive
// verification.
type Discovery struct {
	logger *slog.Logger
}

func NewDiscovery(logger *slog.Logger) *Discovery {
	return &Discovery{logger: logger.With("component", "discovery")}
}

// verifyWindow returns K, the number of recency leaders worth verifying.
func verifyWindow(limit int) int {
	k := limit * 5
	if k < minVerifyWindow {
		k = minVerifyWindow
	}
	return k
}

// RecentConversations returns the caller's limit of conversations ordered by
// true latest-message time.
func (d *Discovery) RecentConversations(ctx context.Context, adapter provider.Adapter, creds core_domain.Credentials, workspaceID uuid.UUID, opts DiscoveryOptions) ([]core_domain.Conversation, error) {
	k := verifyWindow(opts.Limit)

	candidates, err := adapter.GetConversations(ctx, creds, provider.ConversationQuery{
		WorkspaceID:       workspaceID,
		Limit:             k,
		PhoneNumberFilter: opts.PhoneNumberFilter,
		Since:             opts.Since,
	})
	if err != nil {
		return nil, err
	}

	// Sort by the untrusted listing timestamp and keep the probable leaders.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastMessageAt.After(candidates[j].LastMessageAt)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	if !opts.TrustListingTimestamps {
		if opts.Since != nil {
			// Catch-up runs care about existence after the floor, not the exact
			// recency order, so the probe swaps to a createdAfter filter and
			// stale-listed quiet conversations drop out entirely.
			candidates = d.FilterActiveSince(ctx, adapter, creds, candidates, *opts.Since)
		} else {
			d.verifyLatestActivity(ctx, adapter, creds, candidates)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastMessageAt.After(candidates[j].LastMessageAt)
	})
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates, nil
}

// verifyLatestActivity replaces each candidate's listing timestamp with the
// timestamp of its true latest message, probing one message per candidate
// with bounded concurrency. A failed probe falls back to the listing
// timestamp for that candidate only: partial information beats no
// information.
func (d *Discovery) verifyLatestActivity(ctx context.Context, adapter provider.Adapter, creds core_domain.Credentials, candidates []core_domain.Conversation) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyBatchSize)

	for i := range candidates {
		i := i
		g.Go(func() error {
			conv := &candidates[i]
			messages, err := adapter.GetMessages(gctx, creds, provider.MessageQuery{
				WorkspaceID:   conv.Key.WorkspaceID,
				OwnedNumber:   conv.Key.OwnedNumber,
				OwnedNumberID: conv.Metadata[provider.MetadataPhoneNumberID],
				Participants:  []string{conv.Key.ParticipantNumber},
				Limit:         1,
			})
			if err != nil {
				d.logger.WarnContext(gctx, "verification probe failed, keeping listing timestamp",
					"participant", conv.Key.ParticipantNumber, "error", err)
				return nil
			}
			if len(messages) == 0 {
				return nil
			}

			latest := messages[0]
			if latest.CreatedAt.After(conv.LastMessageAt) {
				conv.LastMessageAt = latest.CreatedAt
			}
			conv.LastMessagePreview = latest.Body
			conv.LastMessageDirection = latest.Direction
			return nil
		})
	}
	_ = g.Wait() // probes never return errors; they fall back instead
}

// FilterActiveSince keeps only candidates with at least one message after
// the floor, probing each pair with a createdAfter existence query. The same
// cheap-broad/expensive-narrow shape as RecentConversations, with the probe
// swapped for an existence check. A failed probe keeps the candidate when
// its listing timestamp clears the floor.
func (d *Discovery) FilterActiveSince(ctx context.Context, adapter provider.Adapter, creds core_domain.Credentials, candidates []core_domain.Conversation, since time.Time) []core_domain.Conversation {
	keep := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyBatchSize)

	for i := range candidates {
		i := i
		g.Go(func() error {
			conv := &candidates[i]
			messages, err := adapter.GetMessages(gctx, creds, provider.MessageQuery{
				WorkspaceID:   conv.Key.WorkspaceID,
				OwnedNumber:   conv.Key.OwnedNumber,
				OwnedNumberID: conv.Metadata[provider.MetadataPhoneNumberID],
				Participants:  []string{conv.Key.ParticipantNumber},
				Limit:         1,
				CreatedAfter:  &since,
			})
			if err != nil {
				keep[i] = conv.LastMessageAt.After(since)
				d.logger.WarnContext(gctx, "existence probe failed, falling back to listing timestamp",
					"participant", conv.Key.ParticipantNumber, "keep", keep[i], "error", err)
				return nil
			}
			if len(messages) > 0 {
				keep[i] = true
				latest := messages[0]
				if latest.CreatedAt.After(conv.LastMessageAt) {
					conv.LastMessageAt = latest.CreatedAt
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	filtered := make([]core_domain.Conversation, 0, len(candidates))
	for i, c := range candidates {
		if keep[i] {
			filtered = append(filtered, c)
		}
	}
	return filtered
}
