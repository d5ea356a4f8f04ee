package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"redline/api/internal/archive"
	"redline/api/internal/config"
	"redline/api/internal/crdt"
	"redline/api/internal/room"
	"redline/api/internal/search"
	"redline/api/internal/store"
	"redline/api/internal/util"
)

// Actor identifies the authenticated user behind a request. Identity is
// established upstream; the engine trusts the forwarded headers.
type Actor struct {
	ID   string
	Name string
}

type dataStore interface {
	InsertContract(context.Context, store.Contract) error
	GetContract(context.Context, string) (store.Contract, error)
	ListContracts(context.Context, bool) ([]store.Contract, error)
	UpdateContractStatus(context.Context, string, string) error
	ArchiveContract(context.Context, string) error
	InsertSnapshot(context.Context, store.Snapshot) error
	LatestVersionNumber(context.Context, string) (int, error)
	ListSnapshots(context.Context, string, int, int) ([]store.Snapshot, error)
	CountSnapshots(context.Context, string) (int, error)
	GetSnapshot(context.Context, string, int) (store.Snapshot, error)
	GetSnapshotByID(context.Context, string) (store.Snapshot, error)
	InsertApprovals(context.Context, []store.Approval) error
	GetApproval(context.Context, string) (store.Approval, error)
	DecideApproval(context.Context, string, string, string) (bool, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	ListApprovalsForVersion(context.Context, string) ([]store.Approval, error)
	PendingApprovalCountForVersion(context.Context, string) (int, error)
	Ping(ctx context.Context) error
}

type docHub interface {
	JoinSecret(docID string) (string, error)
	Materialize(ctx context.Context, docID string) (*crdt.State, error)
	SeedContent(ctx context.Context, docID string, doc crdt.Node) (*crdt.State, error)
}

type versionArchive interface {
	CommitVersion(contractID string, versionNumber int, markdown, author string) (archive.CommitInfo, error)
	TagApproved(contractID string, versionNumber int, approver string) error
	History(contractID string, limit int) ([]archive.CommitInfo, error)
	Patch(contractID string, fromVersion, toVersion int) (string, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexContract(c search.ContractRecord)
	IndexVersion(v search.VersionRecord)
	DeleteContract(id string)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	hub     docHub
	archive versionArchive
	search  searchIndex
	bus     *Bus
}

func New(cfg config.Config, dataStore *store.PostgresStore, hub *room.Hub, archiveSvc *archive.Service, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:   cfg,
		store: dataStore,
		hub:   hub,
		bus:   NewBus(),
	}
	// A nil *Service stored in the interface would not compare equal to nil.
	if archiveSvc != nil {
		s.archive = archiveSvc
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

// Events exposes the domain event stream.
func (s *Service) Events() *Bus {
	return s.bus
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateContract registers a new contract owned by the acting user.
func (s *Service) CreateContract(ctx context.Context, actor Actor, title string) (store.Contract, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Contract{}, domainError(http.StatusBadRequest, "INVALID_TITLE", "Title is required", nil)
	}

	contract := store.Contract{
		ID:     util.NewID("ctr_"),
		Title:  title,
		Status: store.StatusDraft,
		Owner:  actor.ID,
	}
	if err := s.store.InsertContract(ctx, contract); err != nil {
		return store.Contract{}, err
	}
	if s.search != nil {
		s.search.IndexContract(search.ContractRecord{
			ID:     contract.ID,
			Title:  contract.Title,
			Status: contract.Status,
			Owner:  contract.Owner,
		})
	}
	return s.store.GetContract(ctx, contract.ID)
}

func (s *Service) GetContract(ctx context.Context, contractID string) (store.Contract, error) {
	return s.store.GetContract(ctx, contractID)
}

func (s *Service) ListContracts(ctx context.Context, includeArchived bool) ([]store.Contract, error) {
	return s.store.ListContracts(ctx, includeArchived)
}

// ArchiveContract soft-archives a contract. History stays readable; editing
// and workflow operations are refused. Only the owner may archive.
func (s *Service) ArchiveContract(ctx context.Context, actor Actor, contractID string) error {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.Owner != actor.ID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can archive a contract", nil)
	}
	if contract.ArchivedAt != nil {
		return nil
	}
	if err := s.store.ArchiveContract(ctx, contractID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteContract(contractID)
	}
	return nil
}

// JoinSecret returns the secret a client presents to attach to the live
// editing session. Archived contracts cannot be joined.
func (s *Service) JoinSecret(ctx context.Context, contractID string) (string, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return "", err
	}
	if contract.ArchivedAt != nil {
		return "", s.archivedError()
	}
	return s.hub.JoinSecret(contractID)
}

// DocumentContent is the rendered view of a contract's current document.
type DocumentContent struct {
	Structured crdt.Node `json:"structured"`
	Text       string    `json:"text"`
	Markdown   string    `json:"markdown"`
}

// DocumentState returns the current document content, live room first.
func (s *Service) DocumentState(ctx context.Context, contractID string) (DocumentContent, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return DocumentContent{}, err
	}
	state, err := s.hub.Materialize(ctx, contractID)
	if err != nil {
		return DocumentContent{}, err
	}
	return DocumentContent{
		Structured: state.StructuredContent(),
		Text:       state.PlainText(),
		Markdown:   state.Markdown(),
	}, nil
}

const maxVersionRetries = 5

// SaveVersion captures the current document as the next immutable version.
// Version numbers are assigned atomically: a concurrent writer that claims
// the same number loses the insert and this call retries with a fresh one.
func (s *Service) SaveVersion(ctx context.Context, actor Actor, contractID string) (store.Snapshot, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if contract.ArchivedAt != nil {
		return store.Snapshot{}, s.archivedError()
	}
	if contract.Status == store.StatusSigned || contract.Status == store.StatusExpired {
		return store.Snapshot{}, domainError(http.StatusConflict, "CONTRACT_FROZEN",
			"A signed or expired contract can no longer be edited", map[string]any{"status": contract.Status})
	}

	state, err := s.hub.Materialize(ctx, contractID)
	if err != nil {
		return store.Snapshot{}, err
	}

	// The very first version of a fresh contract may be empty; after that an
	// empty save is a mistake.
	doc := state.StructuredContent()
	if crdt.IsEmpty(doc) && contract.LatestVersionNumber > 0 {
		return store.Snapshot{}, domainError(http.StatusUnprocessableEntity, "EMPTY_CONTENT",
			ErrEmptyContent.Error(), nil)
	}

	structured, err := json.Marshal(doc)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("marshal structured content: %w", err)
	}

	snapshot := store.Snapshot{
		ContractID:        contractID,
		ContentStructured: structured,
		ContentText:       state.PlainText(),
		RawState:          state.Serialize(),
		CreatedBy:         actor.ID,
	}

	for attempt := 0; ; attempt++ {
		latest, err := s.store.LatestVersionNumber(ctx, contractID)
		if err != nil {
			return store.Snapshot{}, err
		}
		snapshot.ID = util.NewID("snap_")
		snapshot.VersionNumber = latest + 1

		err = s.store.InsertSnapshot(ctx, snapshot)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxVersionRetries {
			continue
		}
		return store.Snapshot{}, err
	}

	// A new version reopens the review cycle unless the contract was still a
	// plain draft.
	if contract.Status != store.StatusDraft {
		if err := s.setStatus(ctx, contractID, store.StatusDraft); err != nil {
			return store.Snapshot{}, err
		}
	}

	// The git mirror is an audit trail, not the ledger; its failure must not
	// lose the saved version.
	if s.archive != nil {
		if _, err := s.archive.CommitVersion(contractID, snapshot.VersionNumber, state.Markdown(), actor.Name); err != nil {
			log.Printf("app: archive version %d of %s: %v", snapshot.VersionNumber, contractID, err)
		}
	}
	if s.search != nil {
		s.search.IndexVersion(search.VersionRecord{
			ID:            snapshot.ID,
			ContractID:    contractID,
			VersionNumber: snapshot.VersionNumber,
			Text:          snapshot.ContentText,
			CreatedBy:     actor.ID,
		})
	}
	s.bus.Publish(Event{
		Type:       EventVersionCreated,
		ContractID: contractID,
		Data:       map[string]any{"versionNumber": snapshot.VersionNumber, "createdBy": actor.ID},
	})

	return s.store.GetSnapshot(ctx, contractID, snapshot.VersionNumber)
}

// VersionPage is one page of a contract's version history.
type VersionPage struct {
	Versions []store.Snapshot `json:"versions"`
	Total    int              `json:"total"`
}

func (s *Service) ListVersions(ctx context.Context, contractID string, limit, offset int) (VersionPage, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return VersionPage{}, err
	}
	versions, err := s.store.ListSnapshots(ctx, contractID, limit, offset)
	if err != nil {
		return VersionPage{}, err
	}
	total, err := s.store.CountSnapshots(ctx, contractID)
	if err != nil {
		return VersionPage{}, err
	}
	return VersionPage{Versions: versions, Total: total}, nil
}

func (s *Service) GetVersion(ctx context.Context, contractID string, versionNumber int) (store.Snapshot, error) {
	return s.store.GetSnapshot(ctx, contractID, versionNumber)
}

// RestoreVersion copies a historical version's content into the live
// document and saves it as a brand-new version. History is append-only;
// nothing between the restored version and the new head is rewritten.
func (s *Service) RestoreVersion(ctx context.Context, actor Actor, contractID string, versionNumber int) (store.Snapshot, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if contract.ArchivedAt != nil {
		return store.Snapshot{}, s.archivedError()
	}
	if contract.Status == store.StatusSigned || contract.Status == store.StatusExpired {
		return store.Snapshot{}, domainError(http.StatusConflict, "CONTRACT_FROZEN",
			"A signed or expired contract can no longer be edited", map[string]any{"status": contract.Status})
	}

	snapshot, err := s.store.GetSnapshot(ctx, contractID, versionNumber)
	if err != nil {
		return store.Snapshot{}, err
	}

	var doc crdt.Node
	if err := json.Unmarshal(snapshot.ContentStructured, &doc); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode stored content: %w", err)
	}

	if _, err := s.hub.SeedContent(ctx, contractID, doc); err != nil {
		return store.Snapshot{}, err
	}
	return s.SaveVersion(ctx, actor, contractID)
}

// VersionDiff describes what changed between two versions of a contract.
type VersionDiff struct {
	FromVersion int                `json:"fromVersion"`
	ToVersion   int                `json:"toVersion"`
	Changes     []crdt.BlockChange `json:"changes"`
}

// DiffVersions compares two saved versions block by block. Comparing reads
// the ledger only; neither version is touched.
func (s *Service) DiffVersions(ctx context.Context, contractID string, fromVersion, toVersion int) (VersionDiff, error) {
	before, err := s.store.GetSnapshot(ctx, contractID, fromVersion)
	if err != nil {
		return VersionDiff{}, err
	}
	after, err := s.store.GetSnapshot(ctx, contractID, toVersion)
	if err != nil {
		return VersionDiff{}, err
	}

	var beforeDoc, afterDoc crdt.Node
	if err := json.Unmarshal(before.ContentStructured, &beforeDoc); err != nil {
		return VersionDiff{}, fmt.Errorf("decode stored content: %w", err)
	}
	if err := json.Unmarshal(after.ContentStructured, &afterDoc); err != nil {
		return VersionDiff{}, fmt.Errorf("decode stored content: %w", err)
	}

	return VersionDiff{
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Changes:     crdt.Diff(beforeDoc, afterDoc),
	}, nil
}

// ArchiveHistory lists the git mirror's commits for a contract.
func (s *Service) ArchiveHistory(ctx context.Context, contractID string, limit int) ([]archive.CommitInfo, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return []archive.CommitInfo{}, nil
	}
	return s.archive.History(contractID, limit)
}

// ArchivePatch renders a unified text diff between two versions from the
// git mirror.
func (s *Service) ArchivePatch(ctx context.Context, contractID string, fromVersion, toVersion int) (string, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return "", err
	}
	if s.archive == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Archive is not configured", nil)
	}
	return s.archive.Patch(contractID, fromVersion, toVersion)
}

// RequestApprovals opens a review round: each reviewer gets a pending
// approval pinned to the given version, and the contract moves to in_review.
func (s *Service) RequestApprovals(ctx context.Context, actor Actor, contractID string, versionNumber int, approverIDs []string) ([]store.Approval, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ArchivedAt != nil {
		return nil, s.archivedError()
	}
	if contract.Status == store.StatusSigned || contract.Status == store.StatusExpired {
		return nil, domainError(http.StatusConflict, "CONTRACT_FROZEN",
			"A signed or expired contract cannot enter review", map[string]any{"status": contract.Status})
	}

	snapshot, err := s.store.GetSnapshot(ctx, contractID, versionNumber)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	approvals := make([]store.Approval, 0, len(approverIDs))
	for _, approverID := range approverIDs {
		approverID = strings.TrimSpace(approverID)
		if approverID == "" {
			continue
		}
		if _, dup := seen[approverID]; dup {
			continue
		}
		seen[approverID] = struct{}{}
		approvals = append(approvals, store.Approval{
			ID:         util.NewID("apr_"),
			ContractID: contractID,
			VersionID:  snapshot.ID,
			ApproverID: approverID,
			Status:     store.ApprovalPending,
		})
	}
	if len(approvals) == 0 {
		return nil, domainError(http.StatusBadRequest, "NO_APPROVERS", "At least one approver is required", nil)
	}

	if err := s.store.InsertApprovals(ctx, approvals); err != nil {
		return nil, err
	}
	if contract.Status != store.StatusInReview {
		if err := s.setStatus(ctx, contractID, store.StatusInReview); err != nil {
			return nil, err
		}
	}
	s.bus.Publish(Event{
		Type:       EventApprovalRequested,
		ContractID: contractID,
		Data: map[string]any{
			"versionNumber": versionNumber,
			"requestedBy":   actor.ID,
			"approvers":     len(approvals),
		},
	})

	return approvals, nil
}

// DecideApproval records an approve or reject decision. Each approval takes
// exactly one decision, by its assigned reviewer; the first write wins.
func (s *Service) DecideApproval(ctx context.Context, actor Actor, approvalID, decision, comment string) (store.Approval, error) {
	if decision != store.ApprovalApproved && decision != store.ApprovalRejected {
		return store.Approval{}, domainError(http.StatusBadRequest, "INVALID_DECISION",
			"Decision must be approved or rejected", map[string]any{"decision": decision})
	}

	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return store.Approval{}, err
	}
	if approval.ApproverID != actor.ID {
		return store.Approval{}, domainError(http.StatusForbidden, "NOT_ASSIGNEE",
			ErrUnauthorizedDecision.Error(), nil)
	}
	if approval.Status != store.ApprovalPending {
		return store.Approval{}, domainError(http.StatusConflict, "ALREADY_DECIDED",
			ErrAlreadyDecided.Error(), map[string]any{"status": approval.Status})
	}

	won, err := s.store.DecideApproval(ctx, approvalID, decision, comment)
	if err != nil {
		return store.Approval{}, err
	}
	if !won {
		return store.Approval{}, domainError(http.StatusConflict, "ALREADY_DECIDED",
			ErrAlreadyDecided.Error(), nil)
	}

	decided, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return store.Approval{}, err
	}

	if err := s.settleReview(ctx, actor, decided); err != nil {
		return store.Approval{}, err
	}

	s.bus.Publish(Event{
		Type:       EventApprovalDecided,
		ContractID: decided.ContractID,
		Data: map[string]any{
			"approvalId": decided.ID,
			"decision":   decided.Status,
			"decidedBy":  actor.ID,
		},
	})
	return decided, nil
}

// settleReview updates the contract status once a review round concludes.
// Decisions only move the contract while the reviewed version is still the
// latest one; a stale round decides nothing.
func (s *Service) settleReview(ctx context.Context, actor Actor, decided store.Approval) error {
	contract, err := s.store.GetContract(ctx, decided.ContractID)
	if err != nil {
		return err
	}
	if contract.Status != store.StatusInReview {
		return nil
	}

	snapshot, err := s.store.GetSnapshotByID(ctx, decided.VersionID)
	if err != nil {
		return err
	}
	if snapshot.VersionNumber != contract.LatestVersionNumber {
		return nil
	}

	if decided.Status == store.ApprovalRejected {
		return s.setStatus(ctx, decided.ContractID, store.StatusRejected)
	}

	pending, err := s.store.PendingApprovalCountForVersion(ctx, decided.VersionID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	// Every reviewer approved; a single rejection would have settled the
	// round already.
	rounds, err := s.store.ListApprovalsForVersion(ctx, decided.VersionID)
	if err != nil {
		return err
	}
	for _, approval := range rounds {
		if approval.Status == store.ApprovalRejected {
			return s.setStatus(ctx, decided.ContractID, store.StatusRejected)
		}
	}

	if err := s.setStatus(ctx, decided.ContractID, store.StatusApproved); err != nil {
		return err
	}
	if s.archive != nil {
		if err := s.archive.TagApproved(decided.ContractID, snapshot.VersionNumber, actor.Name); err != nil {
			log.Printf("app: tag approved v%d of %s: %v", snapshot.VersionNumber, decided.ContractID, err)
		}
	}
	return nil
}

func (s *Service) ListApprovals(ctx context.Context, contractID string) ([]store.Approval, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, contractID)
}

// SignContract finalizes an approved contract. Signing freezes the document.
func (s *Service) SignContract(ctx context.Context, actor Actor, contractID string) (store.Contract, error) {
	return s.transition(ctx, actor, contractID, store.StatusApproved, store.StatusSigned)
}

// ExpireContract marks a signed contract as expired.
func (s *Service) ExpireContract(ctx context.Context, actor Actor, contractID string) (store.Contract, error) {
	return s.transition(ctx, actor, contractID, store.StatusSigned, store.StatusExpired)
}

func (s *Service) transition(ctx context.Context, actor Actor, contractID, from, to string) (store.Contract, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return store.Contract{}, err
	}
	if contract.ArchivedAt != nil {
		return store.Contract{}, s.archivedError()
	}
	if contract.Owner != actor.ID {
		return store.Contract{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can change contract status", nil)
	}
	if contract.Status != from {
		return store.Contract{}, domainError(http.StatusConflict, "INVALID_TRANSITION",
			ErrInvalidTransition.Error(), map[string]any{"from": contract.Status, "to": to})
	}
	if err := s.setStatus(ctx, contractID, to); err != nil {
		return store.Contract{}, err
	}
	return s.store.GetContract(ctx, contractID)
}

func (s *Service) setStatus(ctx context.Context, contractID, status string) error {
	if err := s.store.UpdateContractStatus(ctx, contractID, status); err != nil {
		return err
	}
	s.bus.Publish(Event{
		Type:       EventStatusChanged,
		ContractID: contractID,
		Data:       map[string]any{"status": status},
	})
	return nil
}

// Search runs a full-text query over contracts and versions.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) archivedError() error {
	return domainError(http.StatusConflict, "CONTRACT_ARCHIVED", ErrContractArchived.Error(), nil)
}
