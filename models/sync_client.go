package models

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// ============================================================================
// Sync Client
//
// The sync client runs as a background goroutine on instances configured to
// follow a remote server. Each session walks a fixed state machine:
//
//   IDLE -> PUSHING -> VERIFYING -> RESOLVING -> APPLYING_RESOLUTION -> IDLE
//
// Any phase may fail into ERROR; a session restarted after ERROR begins at
// PUSHING again, which is safe because every phase is idempotent (push is
// deduplicated by event GUID, apply-resolved by target hash). RESOLVING and
// APPLYING_RESOLUTION are skipped when verification finds nothing to do.
//
// Design decisions:
//   - Single goroutine + mutex: the polling timer and SyncNow both call
//     runSyncSession protected by syncMu. No channel complexity needed.
//   - Exponential backoff: consecutive failures increase wait time up to 5m,
//     reset on success. Prevents hammering a downed remote.
//   - Package-level singleton follows the var db pattern in db.go.
// ============================================================================

// Session states.
type SessionState string

const (
	SessionIdle      SessionState = "IDLE"
	SessionPushing   SessionState = "PUSHING"
	SessionVerifying SessionState = "VERIFYING"
	SessionResolving SessionState = "RESOLVING"
	SessionApplying  SessionState = "APPLYING_RESOLUTION"
	SessionError     SessionState = "ERROR"
)

// sessionTransitions is the legal transition table. ERROR is reachable from
// every working state; recovery re-enters at PUSHING.
var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:      {SessionPushing},
	SessionPushing:   {SessionVerifying, SessionError},
	SessionVerifying: {SessionResolving, SessionIdle, SessionError},
	SessionResolving: {SessionApplying, SessionIdle, SessionError},
	SessionApplying:  {SessionIdle, SessionError},
	SessionError:     {SessionPushing, SessionIdle},
}

// ValidTransition reports whether moving from one session state to another
// is legal.
func ValidTransition(from, to SessionState) bool {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// syncClientInstance is the package-level singleton, same pattern as var db.
var syncClientInstance *SyncClient

// SyncClient manages the background sync loop against a remote server.
type SyncClient struct {
	config     *SyncConfig
	authToken  string
	httpClient *http.Client
	syncMu     sync.Mutex  // Prevents concurrent sessions
	enabled    atomic.Bool // Runtime toggle
	cancelFunc context.CancelFunc
	inProgress atomic.Bool

	// stateMu guards the session state plus the outcome fields below, which
	// are written at the end of each session and read by GetStatus and the
	// backoff check while a session may be running on another goroutine.
	stateMu             sync.Mutex
	state               SessionState
	lastSync            time.Time
	lastError           error
	consecutiveFailures int // Exponential backoff state, reset on success
}

// maxBackoff caps the exponential backoff between retries when the remote
// is down for an extended period.
const maxBackoff = 5 * time.Minute

// SyncClientStatus exposes sync state without leaking internals.
type SyncClientStatus struct {
	Enabled       bool         `json:"enabled"`
	Connected     bool         `json:"connected"`
	State         SessionState `json:"state"`
	LastSync      *time.Time   `json:"last_sync"`
	InProgress    bool         `json:"in_progress"`
	LastError     string       `json:"last_error,omitempty"`
	PendingEvents int          `json:"pending_events"`
}

// NewSyncClient creates and configures a sync client.
func NewSyncClient(config *SyncConfig) (*SyncClient, error) {
	if err := config.Validate(); err != nil {
		return nil, serr.Wrap(err, "invalid sync config")
	}

	client := &SyncClient{
		config: config,
		state:  SessionIdle,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	client.enabled.Store(config.Enabled)

	syncClientInstance = client
	return client, nil
}

// GetSyncClient returns the package-level sync client instance.
// Returns nil if sync is not configured — callers must nil-check.
func GetSyncClient() *SyncClient {
	return syncClientInstance
}

// State returns the current session state.
func (sc *SyncClient) State() SessionState {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	return sc.state
}

// transition moves the session to a new state, enforcing the legal table.
func (sc *SyncClient) transition(to SessionState) error {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	if !ValidTransition(sc.state, to) {
		return serr.New("illegal session transition",
			"from", string(sc.state), "to", string(to))
	}
	logger.Debug("Sync session transition", "from", string(sc.state), "to", string(to))
	sc.state = to
	return nil
}

// Start launches the background sync goroutine. The first session runs
// immediately, then subsequent sessions run on the configured interval.
func (sc *SyncClient) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sc.cancelFunc = cancel

	go sc.syncLoop(ctx)
	logger.Info("Sync client started",
		"remote_url", sc.config.RemoteURL,
		"interval", sc.config.Interval.String(),
	)
}

// Stop gracefully shuts down the sync client.
func (sc *SyncClient) Stop() {
	if sc.cancelFunc != nil {
		sc.cancelFunc()
	}
	logger.Info("Sync client stopped")
}

// SyncNow triggers an immediate session, synchronously so the caller knows
// when it completes.
func (sc *SyncClient) SyncNow() error {
	if !sc.enabled.Load() {
		return serr.New("sync is disabled")
	}
	if sc.inProgress.Load() {
		return serr.New("sync already in progress")
	}
	return sc.runSyncSession(context.Background())
}

// SetEnabled toggles sync on/off at runtime.
func (sc *SyncClient) SetEnabled(enabled bool) {
	sc.enabled.Store(enabled)
	logger.Info("Sync client toggled", "enabled", enabled)
}

// IsEnabled returns whether sync is currently active.
func (sc *SyncClient) IsEnabled() bool {
	return sc.enabled.Load()
}

// GetStatus returns the current sync state for display.
func (sc *SyncClient) GetStatus() *SyncClientStatus {
	sc.stateMu.Lock()
	status := &SyncClientStatus{
		Enabled:    sc.enabled.Load(),
		Connected:  sc.consecutiveFailures == 0 && !sc.lastSync.IsZero(),
		State:      sc.state,
		InProgress: sc.inProgress.Load(),
	}
	if !sc.lastSync.IsZero() {
		last := sc.lastSync
		status.LastSync = &last
	}
	if sc.lastError != nil {
		status.LastError = sc.lastError.Error()
	}
	sc.stateMu.Unlock()

	if count, err := PendingEventCount(); err == nil {
		status.PendingEvents = count
	}
	return status
}

// syncLoop runs sessions on a timer, immediately on startup, with
// exponential backoff after failures.
func (sc *SyncClient) syncLoop(ctx context.Context) {
	if sc.enabled.Load() {
		if err := sc.runSyncSession(ctx); err != nil {
			logger.LogErr(err, "initial sync session failed")
		}
	}

	ticker := time.NewTicker(sc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !sc.enabled.Load() {
				continue
			}

			// The ticker still fires at the normal interval; cycles are
			// skipped until the backoff period has elapsed.
			failures, lastOK := sc.failureState()
			if failures > 0 && time.Since(lastOK) < sc.calculateBackoff(failures) {
				continue
			}

			if err := sc.runSyncSession(ctx); err != nil {
				failures, _ = sc.failureState()
				logger.LogErr(err, "sync session failed",
					"consecutive_failures", failures,
				)
			}
		}
	}
}

// failureState snapshots the backoff inputs under the state lock.
func (sc *SyncClient) failureState() (failures int, lastOK time.Time) {
	sc.stateMu.Lock()
	defer sc.stateMu.Unlock()
	return sc.consecutiveFailures, sc.lastSync
}

// calculateBackoff doubles the interval per consecutive failure, capped.
func (sc *SyncClient) calculateBackoff(failures int) time.Duration {
	backoff := sc.config.Interval
	for i := 1; i < failures && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func (sc *SyncClient) recordFailure(err error) {
	sc.stateMu.Lock()
	sc.consecutiveFailures++
	sc.lastError = err
	sc.stateMu.Unlock()
}

// failSession records the error and parks the state machine in ERROR.
// The next session legally restarts from PUSHING.
func (sc *SyncClient) failSession(err error, phase string) error {
	sc.recordFailure(err)
	if terr := sc.transition(SessionError); terr != nil {
		logger.LogErr(terr, "failed to enter error state")
	}
	return serr.Wrap(err, phase+" phase failed")
}

// runSyncSession executes one full session through the state machine.
// Protected by syncMu to prevent the timer and SyncNow from racing.
func (sc *SyncClient) runSyncSession(ctx context.Context) error {
	if !sc.syncMu.TryLock() {
		return nil // Another session is running; skip this one
	}
	defer sc.syncMu.Unlock()

	sc.inProgress.Store(true)
	defer sc.inProgress.Store(false)

	// A session after ERROR restarts at PUSHING; from IDLE it begins there.
	if err := sc.transition(SessionPushing); err != nil {
		return err
	}

	// Authenticate up front (or reuse the cached token; an expired token is
	// refreshed transparently on the first 401).
	if sc.authToken == "" {
		if err := sc.login(ctx); err != nil {
			return sc.failSession(err, "authentication")
		}
	}

	// PUSHING — drain the outbox of locally queued events.
	if err := sc.pushEvents(ctx); err != nil {
		return sc.failSession(err, "push")
	}

	if err := sc.transition(SessionVerifying); err != nil {
		return err
	}

	// VERIFYING — claim our full local state and receive the partition.
	results, err := sc.verifyState(ctx)
	if err != nil {
		return sc.failSession(err, "verify")
	}

	// Entities the remote has that we lack (or that conflict and we lose)
	// arrive through the pull below; entities we have that the remote has
	// never seen are queued as creates for the next push.
	conflicts := collectConflicts(results)
	if err := sc.queueMissingOnRemote(results); err != nil {
		logger.LogErr(err, "failed to queue creates for entities missing on remote")
	}

	if len(conflicts) == 0 {
		if err := sc.pullRemoteChanges(ctx); err != nil {
			return sc.failSession(err, "pull")
		}
		if err := sc.transition(SessionIdle); err != nil {
			return err
		}
		sc.finishSession()
		return nil
	}

	if err := sc.transition(SessionResolving); err != nil {
		return err
	}

	// RESOLVING — submit our snapshots of the conflicted entities and let
	// the remote decide each winner.
	resolutions, localHashes, err := sc.resolveConflicts(ctx, conflicts)
	if err != nil {
		return sc.failSession(err, "resolve")
	}

	// Server wins land locally right away; client wins are written back to
	// the remote in the apply phase. The target hash must be the winning
	// snapshot's own hash: the remote short-circuits an item whose hash it
	// already holds, so sending its current (losing) hash would turn the
	// write into a no-op.
	clientWins := []ResolvedItem{}
	for _, res := range resolutions {
		if res.Winner == WinnerServer {
			if len(res.WinnerData) > 0 {
				if err := importSnapshot(res.EntityType, res.WinnerData); err != nil {
					logger.LogErr(err, "failed to import winning server data",
						"entity_type", res.EntityType, "entity_id", canonicalInt(res.EntityID))
				}
			}
			continue
		}
		clientWins = append(clientWins, ResolvedItem{
			EntityType: res.EntityType,
			EntityID:   res.EntityID,
			TargetHash: localHashes[conflictRef{entityType: res.EntityType, entityID: res.EntityID}],
			Data:       res.WinnerData,
		})
	}

	if len(clientWins) == 0 {
		if err := sc.pullRemoteChanges(ctx); err != nil {
			return sc.failSession(err, "pull")
		}
		if err := sc.transition(SessionIdle); err != nil {
			return err
		}
		sc.finishSession()
		return nil
	}

	if err := sc.transition(SessionApplying); err != nil {
		return err
	}

	// APPLYING_RESOLUTION — push the winning local snapshots.
	if err := sc.applyResolutions(ctx, clientWins); err != nil {
		return sc.failSession(err, "apply-resolved")
	}

	if err := sc.pullRemoteChanges(ctx); err != nil {
		return sc.failSession(err, "pull")
	}

	if err := sc.transition(SessionIdle); err != nil {
		return err
	}
	sc.finishSession()
	return nil
}

func (sc *SyncClient) finishSession() {
	sc.stateMu.Lock()
	sc.consecutiveFailures = 0
	sc.lastError = nil
	sc.lastSync = time.Now()
	sc.stateMu.Unlock()
	logger.Info("Sync session completed")
}

// ============================================================================
// HTTP plumbing
// ============================================================================

// login posts credentials to the remote's auth endpoint and caches the JWT.
func (sc *SyncClient) login(ctx context.Context) error {
	url := sc.config.RemoteURL + "/api/v1/auth/login"

	body, err := json.Marshal(map[string]string{
		"name":     sc.config.Username,
		"password": sc.config.Password,
	})
	if err != nil {
		return serr.Wrap(err, "failed to marshal login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return serr.Wrap(err, "failed to create login request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return serr.Wrap(err, "login request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serr.New(fmt.Sprintf("login failed with status %d", resp.StatusCode))
	}

	var apiResp struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return serr.Wrap(err, "failed to decode login response")
	}
	if !apiResp.Success || apiResp.Data.Token == "" {
		return serr.New("login response missing token")
	}

	sc.authToken = apiResp.Data.Token
	return nil
}

// doAuthenticatedJSON sends a JSON request with the cached JWT, retrying
// once with a fresh token on 401, and decodes the APIResponse envelope's
// data field into out.
func (sc *SyncClient) doAuthenticatedJSON(ctx context.Context, method, url string, payload interface{}, out interface{}) error {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return serr.Wrap(err, "failed to marshal request body")
		}
	}

	send := func() (*http.Response, error) {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, serr.Wrap(err, "failed to create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
		return sc.httpClient.Do(req)
	}

	resp, err := send()
	if err != nil {
		return serr.Wrap(err, "request failed")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := sc.login(ctx); err != nil {
			return serr.Wrap(err, "re-authentication failed after 401")
		}
		resp, err = send()
		if err != nil {
			return serr.Wrap(err, "retry request failed")
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serr.New(fmt.Sprintf("request to %s returned status %d", url, resp.StatusCode))
	}

	var apiResp struct {
		Success bool            `json:"success"`
		Error   string          `json:"error,omitempty"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return serr.Wrap(err, "failed to decode response")
	}
	if !apiResp.Success {
		return serr.New("remote returned success=false: " + apiResp.Error)
	}
	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return serr.Wrap(err, "failed to decode response data")
		}
	}
	return nil
}

// ============================================================================
// Session phases
// ============================================================================

// pushEvents drains the outbox in batches. Confirmed and conflicted events
// leave the queue (conflicts are picked up by verification); errored events
// stay for retry with a bumped attempt count.
func (sc *SyncClient) pushEvents(ctx context.Context) error {
	for {
		events, err := GetPendingEvents(sc.config.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		var data struct {
			Responses []SyncEventResponse `json:"responses"`
		}
		err = sc.doAuthenticatedJSON(ctx, http.MethodPost,
			sc.config.RemoteURL+"/api/v1/sync/push",
			map[string]interface{}{"events": events}, &data)
		if err != nil {
			return err
		}

		byGUID := make(map[string]SyncEvent, len(events))
		for _, ev := range events {
			byGUID[ev.GUID] = ev
		}

		for _, r := range data.Responses {
			switch r.Status {
			case StatusConfirmed, StatusConflict:
				// A confirmed create comes back with the remote's id for the
				// entity; fold the local row onto it so the next verification
				// matches by id instead of queueing the entity all over again.
				if ev, ok := byGUID[r.GUID]; ok && r.Status == StatusConfirmed &&
					ev.EventType == EventCreate && ev.EntityID != 0 &&
					r.EntityID != 0 && r.EntityID != ev.EntityID {
					if err := ReconcileCreatedEntityID(ev.EntityType, ev.EntityID, r.EntityID); err != nil {
						logger.LogErr(err, "failed to reconcile created entity id",
							"entity_type", ev.EntityType,
							"local_id", canonicalInt(ev.EntityID),
							"remote_id", canonicalInt(r.EntityID))
					}
				}
				if err := DequeueSyncEvent(r.GUID); err != nil {
					logger.LogErr(err, "failed to dequeue pushed event", "guid", r.GUID)
				}
			default:
				logger.Info("Push rejected an event", "guid", r.GUID, "message", r.Message)
				if err := BumpEventAttempts(r.GUID); err != nil {
					logger.LogErr(err, "failed to bump event attempts", "guid", r.GUID)
				}
			}
		}

		if len(events) < sc.config.BatchSize {
			return nil
		}
	}
}

// verifyState sends the complete local dataset as (id, hash) claims.
func (sc *SyncClient) verifyState(ctx context.Context) ([]*VerifyResult, error) {
	reqs := []VerifyRequest{}
	for _, entityType := range []string{EntityTask, EntityUser, EntityGroup} {
		hashes, err := serverEntityHashes(entityType)
		if err != nil {
			return nil, err
		}
		refs := make([]EntityRef, 0, len(hashes))
		for id, h := range hashes {
			refs = append(refs, EntityRef{ID: id, Hash: h})
		}
		reqs = append(reqs, VerifyRequest{EntityType: entityType, Entities: refs})
	}

	var data struct {
		Results []*VerifyResult `json:"results"`
	}
	err := sc.doAuthenticatedJSON(ctx, http.MethodPost,
		sc.config.RemoteURL+"/api/v1/sync/verify",
		map[string]interface{}{"requests": reqs}, &data)
	if err != nil {
		return nil, err
	}
	return data.Results, nil
}

// conflictRef names one conflicted entity found during verification.
type conflictRef struct {
	entityType string
	entityID   int64
}

func collectConflicts(results []*VerifyResult) []conflictRef {
	conflicts := []conflictRef{}
	for _, res := range results {
		for _, id := range res.Conflicts {
			conflicts = append(conflicts, conflictRef{entityType: res.EntityType, entityID: id})
		}
	}
	return conflicts
}

// queueMissingOnRemote turns entities the remote has never seen into create
// events for the next push phase. The local id rides along on the queued
// event so the push phase can reconcile it with the id the remote assigns;
// an entity whose create is still sitting in the outbox is not queued again.
func (sc *SyncClient) queueMissingOnRemote(results []*VerifyResult) error {
	for _, res := range results {
		for _, id := range res.MissingOnServer {
			pending, err := HasPendingCreate(res.EntityType, id)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			snap, _, _, err := serverSnapshotJSON(res.EntityType, id)
			if err != nil || snap == nil {
				continue
			}
			if _, err := QueueSyncEvent(SyncEvent{
				EventType:  EventCreate,
				EntityType: res.EntityType,
				EntityID:   id,
				Timestamp:  time.Now(),
				Changes:    snap,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveConflicts submits local snapshots of the conflicted entities. The
// returned map carries each submitted snapshot's own hash keyed by entity;
// the apply phase sends it as the target hash for local wins.
func (sc *SyncClient) resolveConflicts(ctx context.Context, conflicts []conflictRef) ([]ConflictResolution, map[conflictRef]string, error) {
	snaps := make([]ClientSnapshot, 0, len(conflicts))
	localHashes := make(map[conflictRef]string, len(conflicts))
	for _, c := range conflicts {
		data, hash, updated, err := serverSnapshotJSON(c.entityType, c.entityID)
		if err != nil || data == nil {
			continue
		}
		localHashes[c] = hash
		snaps = append(snaps, ClientSnapshot{
			EntityType: c.entityType,
			EntityID:   c.entityID,
			Hash:       hash,
			UpdatedAt:  updated,
			Data:       data,
		})
	}

	var data struct {
		Resolutions []ConflictResolution `json:"resolutions"`
	}
	err := sc.doAuthenticatedJSON(ctx, http.MethodPost,
		sc.config.RemoteURL+"/api/v1/sync/resolve",
		map[string]interface{}{"snapshots": snaps}, &data)
	if err != nil {
		return nil, nil, err
	}
	return data.Resolutions, localHashes, nil
}

// applyResolutions writes winning local snapshots back to the remote.
func (sc *SyncClient) applyResolutions(ctx context.Context, items []ResolvedItem) error {
	var data struct {
		Results []ApplyResolvedResult `json:"results"`
	}
	err := sc.doAuthenticatedJSON(ctx, http.MethodPost,
		sc.config.RemoteURL+"/api/v1/sync/apply-resolved",
		map[string]interface{}{"items": items}, &data)
	if err != nil {
		return err
	}
	for _, r := range data.Results {
		if r.Status != ApplyStatusApplied {
			logger.Info("Remote rejected resolved data",
				"entity_type", r.EntityType, "entity_id", canonicalInt(r.EntityID),
				"message", r.Message)
		}
	}
	return nil
}

// pullRemoteChanges fetches entities changed on the remote since our local
// high-water marks and imports them. Covers both missing_on_client entities
// and ordinary remote edits.
func (sc *SyncClient) pullRemoteChanges(ctx context.Context) error {
	for _, entityType := range []string{EntityTask, EntityUser, EntityGroup} {
		since, _, err := GetMetadata(metaKeyForEntity(entityType))
		if err != nil {
			return err
		}

		for {
			reqURL := fmt.Sprintf("%s/api/v1/sync/changes?entity_type=%s&since=%s&limit=%d",
				sc.config.RemoteURL, entityType, url.QueryEscape(canonicalTime(since)), sc.config.BatchSize)

			var data struct {
				Entities []json.RawMessage `json:"entities"`
				HasMore  bool              `json:"has_more"`
				Latest   time.Time         `json:"latest"`
			}
			if err := sc.doAuthenticatedJSON(ctx, http.MethodGet, reqURL, nil, &data); err != nil {
				return err
			}

			for _, raw := range data.Entities {
				if err := importSnapshot(entityType, raw); err != nil {
					logger.LogErr(err, "failed to import pulled entity", "entity_type", entityType)
				}
			}

			if !data.Latest.IsZero() {
				since = data.Latest
				if err := AdvanceMetadata(metaKeyForEntity(entityType), data.Latest); err != nil {
					return err
				}
			}
			if !data.HasMore || len(data.Entities) == 0 {
				break
			}
		}
	}
	return nil
}

// ============================================================================
// Created-id reconciliation
// ============================================================================

// ReconcileCreatedEntityID moves a locally assigned id onto the id the
// remote handed back when it confirmed a queued create, so the next
// verification matches the entity by id instead of reporting it missing
// again. When the remote id is already taken locally the local-only row is
// dropped instead: its data just landed on the remote and returns under
// the remote id on the next pull.
func ReconcileCreatedEntityID(entityType string, localID, remoteID int64) error {
	if localID == remoteID || localID == 0 || remoteID == 0 {
		return nil
	}
	mu := lockEntity(entityType, localID)
	defer mu.Unlock()

	switch entityType {
	case EntityTask:
		return reconcileTaskID(localID, remoteID)
	case EntityUser:
		return reconcileUserID(localID, remoteID)
	case EntityGroup:
		return reconcileGroupID(localID, remoteID)
	}
	return serr.New("unknown entity type: " + entityType)
}

func reconcileTaskID(localID, remoteID int64) error {
	local, err := GetTaskByID(localID)
	if err != nil {
		return err
	}
	if local == nil {
		return nil
	}
	occupied, err := GetTaskByID(remoteID)
	if err != nil {
		return err
	}

	return withTx(func(tx *sql.Tx) error {
		if occupied != nil {
			if err := replaceTaskAssigneesTx(tx, localID, nil); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, localID); err != nil {
				return serr.Wrap(err, "failed to drop superseded task")
			}
			return nil
		}
		if _, err := tx.Exec(`UPDATE tasks SET id = ? WHERE id = ?`, remoteID, localID); err != nil {
			return serr.Wrap(err, "failed to remap task id")
		}
		if err := replaceTaskAssigneesTx(tx, localID, nil); err != nil {
			return err
		}
		if err := replaceTaskAssigneesTx(tx, remoteID, local.Assignees); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE task_history SET task_id = ? WHERE task_id = ?`, remoteID, localID); err != nil {
			return serr.Wrap(err, "failed to remap task history")
		}
		return nil
	})
}

func reconcileUserID(localID, remoteID int64) error {
	local, err := GetUserByID(localID)
	if err != nil {
		return err
	}
	if local == nil {
		return nil
	}
	occupied, err := GetUserByID(remoteID)
	if err != nil {
		return err
	}

	return withTx(func(tx *sql.Tx) error {
		if occupied != nil {
			if _, err := tx.Exec(`DELETE FROM task_users WHERE user_id = ?`, localID); err != nil {
				return serr.Wrap(err, "failed to drop assignments of superseded user")
			}
			if _, err := tx.Exec(`DELETE FROM users WHERE id = ?`, localID); err != nil {
				return serr.Wrap(err, "failed to drop superseded user")
			}
			return nil
		}
		if _, err := tx.Exec(`UPDATE users SET id = ? WHERE id = ?`, remoteID, localID); err != nil {
			return serr.Wrap(err, "failed to remap user id")
		}
		rows, err := tx.Query(`SELECT task_id FROM task_users WHERE user_id = ?`, localID)
		if err != nil {
			return serr.Wrap(err, "failed to read assignments for remap")
		}
		taskIDs := []int64{}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return serr.Wrap(err, "failed to scan assignment row")
			}
			taskIDs = append(taskIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return serr.Wrap(err, "failed to read assignments for remap")
		}
		if _, err := tx.Exec(`DELETE FROM task_users WHERE user_id = ?`, localID); err != nil {
			return serr.Wrap(err, "failed to clear assignments for remap")
		}
		for _, taskID := range taskIDs {
			if _, err := tx.Exec(`INSERT INTO task_users (task_id, user_id) VALUES (?, ?)`, taskID, remoteID); err != nil {
				return serr.Wrap(err, "failed to rewrite assignment for remap")
			}
		}
		return nil
	})
}

func reconcileGroupID(localID, remoteID int64) error {
	local, err := GetGroupByID(localID)
	if err != nil {
		return err
	}
	if local == nil {
		return nil
	}
	occupied, err := GetGroupByID(remoteID)
	if err != nil {
		return err
	}

	return withTx(func(tx *sql.Tx) error {
		if occupied != nil {
			if _, err := tx.Exec(`UPDATE tasks SET group_id = NULL WHERE group_id = ?`, localID); err != nil {
				return serr.Wrap(err, "failed to detach tasks from superseded group")
			}
			if _, err := tx.Exec(`DELETE FROM groups WHERE id = ?`, localID); err != nil {
				return serr.Wrap(err, "failed to drop superseded group")
			}
			return nil
		}
		if _, err := tx.Exec(`UPDATE groups SET id = ? WHERE id = ?`, remoteID, localID); err != nil {
			return serr.Wrap(err, "failed to remap group id")
		}
		if _, err := tx.Exec(`UPDATE tasks SET group_id = ? WHERE group_id = ?`, remoteID, localID); err != nil {
			return serr.Wrap(err, "failed to remap group references")
		}
		return nil
	})
}

// ============================================================================
// Snapshot import — upserting a remote copy into the local store
// ============================================================================

// importSnapshot writes a remote entity snapshot into the local store,
// creating or overwriting by id. Local updated_at is taken verbatim from
// the snapshot so both sides hash identically afterward.
func importSnapshot(entityType string, raw json.RawMessage) error {
	switch entityType {
	case EntityTask:
		var out TaskOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return serr.Wrap(err, "invalid task snapshot")
		}
		return importTaskSnapshot(out)
	case EntityUser:
		var out UserOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return serr.Wrap(err, "invalid user snapshot")
		}
		return importUserSnapshot(out)
	case EntityGroup:
		var out GroupOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return serr.Wrap(err, "invalid group snapshot")
		}
		return importGroupSnapshot(out)
	}
	return serr.New("unknown entity type: " + entityType)
}

func importTaskSnapshot(out TaskOutput) error {
	mu := lockEntity(EntityTask, out.ID)
	defer mu.Unlock()

	existing, err := GetTaskByID(out.ID)
	if err != nil {
		return err
	}

	updated := normalizeTimestamp(out.UpdatedAt)
	notes := sql.NullString{}
	if out.Notes != nil && *out.Notes != "" {
		notes = sql.NullString{String: *out.Notes, Valid: true}
	}
	recurrence := sql.NullString{}
	if out.Recurrence != nil && *out.Recurrence != "" {
		recurrence = sql.NullString{String: *out.Recurrence, Valid: true}
	}
	groupID := sql.NullInt64{}
	if out.GroupID != nil && *out.GroupID != 0 {
		groupID = sql.NullInt64{Int64: *out.GroupID, Valid: true}
	}
	deletedAt := sql.NullTime{}
	if out.Deleted {
		deletedAt = sql.NullTime{Time: updated, Valid: true}
	}

	return withTx(func(tx *sql.Tx) error {
		if existing == nil {
			if _, err := tx.Exec(
				`INSERT INTO tasks (id, name, notes, completed, enabled, recurrence, group_id, created_at, updated_at, deleted_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				out.ID, out.Name, notes, out.Completed, out.Enabled,
				recurrence, groupID, updated, updated, deletedAt,
			); err != nil {
				return serr.Wrap(err, "failed to insert imported task")
			}
		} else {
			if _, err := tx.Exec(
				`UPDATE tasks SET name = ?, notes = ?, completed = ?, enabled = ?,
					recurrence = ?, group_id = ?, updated_at = ?, deleted_at = ?
				 WHERE id = ?`,
				out.Name, notes, out.Completed, out.Enabled,
				recurrence, groupID, updated, deletedAt, out.ID,
			); err != nil {
				return serr.Wrap(err, "failed to overwrite imported task")
			}
		}
		assignees := out.Assignees
		if out.Deleted {
			assignees = []int64{}
		}
		if err := replaceTaskAssigneesTx(tx, out.ID, assignees); err != nil {
			return err
		}
		return advanceMetadataTx(tx, MetaLastTaskUpdate, updated)
	})
}

func importUserSnapshot(out UserOutput) error {
	mu := lockEntity(EntityUser, out.ID)
	defer mu.Unlock()

	existing, err := GetUserByID(out.ID)
	if err != nil {
		return err
	}

	updated := normalizeTimestamp(out.UpdatedAt)
	email := sql.NullString{}
	if out.Email != nil && *out.Email != "" {
		email = sql.NullString{String: *out.Email, Valid: true}
	}
	deletedAt := sql.NullTime{}
	if out.Deleted {
		deletedAt = sql.NullTime{Time: updated, Valid: true}
	}

	return withTx(func(tx *sql.Tx) error {
		if existing == nil {
			if _, err := tx.Exec(
				`INSERT INTO users (id, name, email, enabled, created_at, updated_at, deleted_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				out.ID, out.Name, email, out.Enabled, updated, updated, deletedAt,
			); err != nil {
				return serr.Wrap(err, "failed to insert imported user")
			}
		} else {
			// password_hash is local-only and survives imports untouched
			if _, err := tx.Exec(
				`UPDATE users SET name = ?, email = ?, enabled = ?, updated_at = ?, deleted_at = ?
				 WHERE id = ?`,
				out.Name, email, out.Enabled, updated, deletedAt, out.ID,
			); err != nil {
				return serr.Wrap(err, "failed to overwrite imported user")
			}
		}
		return advanceMetadataTx(tx, MetaLastUserUpdate, updated)
	})
}

func importGroupSnapshot(out GroupOutput) error {
	mu := lockEntity(EntityGroup, out.ID)
	defer mu.Unlock()

	existing, err := GetGroupByID(out.ID)
	if err != nil {
		return err
	}

	updated := normalizeTimestamp(out.UpdatedAt)
	deletedAt := sql.NullTime{}
	if out.Deleted {
		deletedAt = sql.NullTime{Time: updated, Valid: true}
	}

	return withTx(func(tx *sql.Tx) error {
		if existing == nil {
			if _, err := tx.Exec(
				`INSERT INTO groups (id, name, enabled, created_at, updated_at, deleted_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				out.ID, out.Name, out.Enabled, updated, updated, deletedAt,
			); err != nil {
				return serr.Wrap(err, "failed to insert imported group")
			}
		} else {
			if _, err := tx.Exec(
				`UPDATE groups SET name = ?, enabled = ?, updated_at = ?, deleted_at = ?
				 WHERE id = ?`,
				out.Name, out.Enabled, updated, deletedAt, out.ID,
			); err != nil {
				return serr.Wrap(err, "failed to overwrite imported group")
			}
		}
		return advanceMetadataTx(tx, MetaLastGroupUpdate, updated)
	})
}
