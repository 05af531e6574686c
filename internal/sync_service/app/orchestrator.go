package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/commsync/commsync/internal/core_domain"
	"github.com/commsync/commsync/internal/sync_service/adapters/provider"
	"github.com/commsync/commsync/internal/sync_service/domain"
)

const (
	// progressCheckpointEvery bounds how often run progress hits the database.
	progressCheckpointEvery = 10
	// perConversationHistoryLimit caps the messages and calls pulled per
	// conversation in one run.
	perConversationHistoryLimit = 100
)

type activeRun struct {
	run    *domain.SyncRun
	cancel context.CancelFunc
}

// Orchestrator drives sync runs: one at a time per workspace, cancellable
// between units of work, with progress checkpoints an operator can poll.
type Orchestrator struct {
	adapters      map[core_domain.ProviderName]provider.Adapter
	discovery     *Discovery
	contactSyncer *ContactSyncer
	credentials   *CredentialService
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	calls         domain.CallRepository
	runs          domain.SyncRunRepository
	validate      *validator.Validate
	logger        *slog.Logger

	mu       sync.Mutex
	active   map[uuid.UUID]*activeRun
	lastRuns map[uuid.UUID]domain.SyncRun
}

func NewOrchestrator(
	adapters map[core_domain.ProviderName]provider.Adapter,
	discovery *Discovery,
	contactSyncer *ContactSyncer,
	credentials *CredentialService,
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	calls domain.CallRepository,
	runs domain.SyncRunRepository,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		adapters:      adapters,
		discovery:     discovery,
		contactSyncer: contactSyncer,
		credentials:   credentials,
		conversations: conversations,
		messages:      messages,
		calls:         calls,
		runs:          runs,
		validate:      validator.New(),
		logger:        logger.With("component", "orchestrator"),
		active:        make(map[uuid.UUID]*activeRun),
		lastRuns:      make(map[uuid.UUID]domain.SyncRun),
	}
}

// StartSync begins a run for the workspace and returns its initial snapshot.
// Only one run per workspace may be active; a second start while one is
// running fails with core_domain.ErrRunActive.
func (o *Orchestrator) StartSync(ctx context.Context, workspaceID uuid.UUID, opts domain.SyncOptions) (*domain.SyncRun, error) {
	if err := o.validate.Struct(opts); err != nil {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "sync.start", err)
	}
	adapter, ok := o.adapters[opts.Provider]
	if !ok {
		return nil, core_domain.NewDomainError(core_domain.ErrorKindConfig, "sync.start", core_domain.ErrNotFound)
	}
	creds, err := o.credentials.Get(ctx, workspaceID, opts.Provider)
	if err != nil {
		return nil, err
	}

	run := &domain.SyncRun{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Provider:    opts.Provider,
		State:       domain.RunStateRunning,
		Options:     opts,
		Progress:    domain.Progress{Phase: domain.PhaseConversations},
		StartedAt:   time.Now().UTC(),
	}

	o.mu.Lock()
	if _, busy := o.active[workspaceID]; busy {
		o.mu.Unlock()
		return nil, core_domain.ErrRunActive
	}
	// The run outlives the HTTP request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	o.active[workspaceID] = &activeRun{run: run, cancel: cancel}
	o.mu.Unlock()

	if err := o.runs.Create(ctx, run); err != nil {
		o.mu.Lock()
		delete(o.active, workspaceID)
		o.mu.Unlock()
		cancel()
		return nil, err
	}

	o.logger.InfoContext(ctx, "Sync run started", "run_id", run.ID, "workspace_id", workspaceID,
		"provider", opts.Provider, "limit", opts.Limit, "sync_messages", opts.SyncMessages)

	go o.executeRun(runCtx, adapter, creds, run)

	snapshot := *run
	return &snapshot, nil
}

// Status returns the active run's snapshot, falling back to the last
// finished run for the workspace.
func (o *Orchestrator) Status(workspaceID uuid.UUID) (*domain.SyncRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ar, ok := o.active[workspaceID]; ok {
		snapshot := *ar.run
		return &snapshot, nil
	}
	if last, ok := o.lastRuns[workspaceID]; ok {
		return &last, nil
	}
	return nil, core_domain.ErrNotFound
}

// Cancel requests cooperative cancellation of the active run. The run stops
// at the next unit boundary; work already persisted stays.
func (o *Orchestrator) Cancel(workspaceID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ar, ok := o.active[workspaceID]
	if !ok {
		return core_domain.ErrNotFound
	}
	ar.cancel()
	return nil
}

func (o *Orchestrator) executeRun(ctx context.Context, adapter provider.Adapter, creds core_domain.Credentials, run *domain.SyncRun) {
	processed, skipped := 0, 0
	opts := run.Options

	finish := func(state domain.RunState, runErr error) {
		errText := ""
		if runErr != nil {
			errText = runErr.Error()
		}
		watermark := time.Time{}
		if state == domain.RunStateCompleted {
			// The next catch-up run resumes from when this one started, so
			// activity during the run is never missed.
			watermark = run.StartedAt
		}
		finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.runs.Finish(finishCtx, run.ID, state, processed, skipped, errText, watermark); err != nil {
			o.logger.ErrorContext(finishCtx, "Failed to persist run outcome", "run_id", run.ID, "error", err)
		}

		o.mu.Lock()
		run.State = state
		run.Processed = processed
		run.Skipped = skipped
		run.Error = errText
		run.EndedAt = time.Now().UTC()
		run.LastSyncedAt = watermark
		o.lastRuns[run.WorkspaceID] = *run
		delete(o.active, run.WorkspaceID)
		o.mu.Unlock()
	}

	since := opts.Since
	if since == nil {
		if wm, err := o.runs.LastWatermark(ctx, run.WorkspaceID, run.Provider); err == nil && !wm.IsZero() {
			since = &wm
		}
	}

	var conversations []core_domain.Conversation
	var err error
	if since == nil && opts.Limit == 0 {
		// Unbounded backfill walks the complete listing and reconciles by
		// volume plus a final recency sort. The verified top-K window exists
		// for bounded reads; routing a backfill through it would cap the walk
		// at the window size and drop everything older.
		conversations, err = adapter.GetConversations(ctx, creds, provider.ConversationQuery{
			WorkspaceID:       run.WorkspaceID,
			PhoneNumberFilter: opts.PhoneNumberFilter,
		})
		if err == nil {
			sort.SliceStable(conversations, func(i, j int) bool {
				return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
			})
		}
	} else {
		conversations, err = o.discovery.RecentConversations(ctx, adapter, creds, run.WorkspaceID, DiscoveryOptions{
			Limit:             opts.Limit,
			PhoneNumberFilter: opts.PhoneNumberFilter,
			Since:             since,
			// Twilio conversations are derived from the message log itself, so
			// their timestamps need no second opinion.
			TrustListingTimestamps: run.Provider == core_domain.ProviderTwilio,
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			finish(domain.RunStateCancelled, nil)
			return
		}
		finish(domain.RunStateFailed, err)
		return
	}

	o.setPhase(run, domain.PhaseConversations, len(conversations))
	for i := range conversations {
		if ctx.Err() != nil {
			finish(domain.RunStateCancelled, nil)
			return
		}
		if err := o.conversations.Upsert(ctx, &conversations[i]); err != nil {
			skipped++
		} else {
			processed++
		}
		o.checkpoint(ctx, run, i+1, processed, skipped)
	}

	if opts.SyncMessages {
		o.setPhase(run, domain.PhaseMessages, len(conversations))
		for i := range conversations {
			if ctx.Err() != nil {
				finish(domain.RunStateCancelled, nil)
				return
			}
			if err := o.syncConversationHistory(ctx, adapter, creds, &conversations[i], since); err != nil {
				if core_domain.IsConfig(err) {
					finish(domain.RunStateFailed, err)
					return
				}
				o.logger.WarnContext(ctx, "Skipping conversation after history failure",
					"run_id", run.ID, "participant", conversations[i].Key.ParticipantNumber, "error", err)
				skipped++
			} else {
				processed++
			}
			o.checkpoint(ctx, run, i+1, processed, skipped)
		}
	}

	o.setPhase(run, domain.PhaseContacts, 0)
	var contactsProcessed, contactsSkipped int
	if opts.OnlySavedContacts {
		contactsProcessed, contactsSkipped, err = o.contactSyncer.SyncDirectory(ctx, adapter, creds, run.WorkspaceID)
	} else {
		contactsProcessed, contactsSkipped, err = o.contactSyncer.DeriveFromParticipants(ctx, run.WorkspaceID, run.Provider, conversations)
	}
	processed += contactsProcessed
	skipped += contactsSkipped
	if err != nil {
		if ctx.Err() != nil {
			finish(domain.RunStateCancelled, nil)
			return
		}
		o.logger.WarnContext(ctx, "Contact sync failed, run completes without contacts", "run_id", run.ID, "error", err)
	}

	finish(domain.RunStateCompleted, nil)
}

// syncConversationHistory pulls messages and calls for one conversation.
// A message failure aborts the unit; a call failure degrades it, since the
// messages are already stored.
func (o *Orchestrator) syncConversationHistory(ctx context.Context, adapter provider.Adapter, creds core_domain.Credentials, conv *core_domain.Conversation, since *time.Time) error {
	messages, err := adapter.GetMessages(ctx, creds, provider.MessageQuery{
		WorkspaceID:   conv.Key.WorkspaceID,
		OwnedNumber:   conv.Key.OwnedNumber,
		OwnedNumberID: conv.Metadata[provider.MetadataPhoneNumberID],
		Participants:  []string{conv.Key.ParticipantNumber},
		Limit:         perConversationHistoryLimit,
		CreatedAfter:  since,
	})
	if err != nil {
		return err
	}
	for i := range messages {
		if err := o.messages.Upsert(ctx, &messages[i]); err != nil {
			return err
		}
	}

	calls, err := adapter.GetCalls(ctx, creds, provider.CallQuery{
		WorkspaceID:   conv.Key.WorkspaceID,
		OwnedNumber:   conv.Key.OwnedNumber,
		OwnedNumberID: conv.Metadata[provider.MetadataPhoneNumberID],
		Participant:   conv.Key.ParticipantNumber,
		Limit:         perConversationHistoryLimit,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "Calls unavailable for conversation, keeping messages",
			"participant", conv.Key.ParticipantNumber, "error", err)
		return nil
	}
	for i := range calls {
		if err := o.calls.Upsert(ctx, &calls[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) setPhase(run *domain.SyncRun, phase domain.SyncPhase, total int) {
	o.mu.Lock()
	run.Progress = domain.Progress{Phase: phase, Total: total}
	o.mu.Unlock()
}

// checkpoint updates the in-memory snapshot every unit and persists every
// progressCheckpointEvery units.
func (o *Orchestrator) checkpoint(ctx context.Context, run *domain.SyncRun, phaseDone, processed, skipped int) {
	o.mu.Lock()
	run.Progress.Processed = phaseDone
	run.Processed = processed
	run.Skipped = skipped
	progress := run.Progress
	o.mu.Unlock()

	if phaseDone%progressCheckpointEvery != 0 {
		return
	}
	if err := o.runs.UpdateProgress(ctx, run.ID, progress, processed, skipped); err != nil {
		o.logger.WarnContext(ctx, "Failed to checkpoint run progress", "run_id", run.ID, "error", err)
	}
}
