// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/crypto"
	"github.com/afterword-app/heartbeat/internal/mail"
	"github.com/afterword-app/heartbeat/internal/push"
	"github.com/afterword-app/heartbeat/internal/store"
)

const (
	testServerSecret = "unit-test-server-secret"
	testFromEmail    = "vault@afterword-app.com"
	testViewerURL    = "https://view.afterword-app.com"
)

// fakeStore is a stateful in-memory Datastore. It mirrors the real store's
// ordering and conditional-update semantics closely enough that the cycle
// logic runs unmodified against it, and records every mutating call.
type fakeStore struct {
	profiles   map[string]*store.Profile
	entries    map[string]*store.Entry
	tombstones map[string]store.Tombstone

	// graceStartedAt backs ExpiredGraceProfilesPage the way
	// protocol_executed_at does in Postgres.
	graceStartedAt map[string]time.Time

	// staleSendingIDs lists the entries RequeueStaleSendingEntries flips
	// back to active.
	staleSendingIDs []string

	// ops records tombstone inserts and row deletions in call order.
	ops []string

	claims        []string
	released      []string
	deleted       []store.Entry
	graceStarted  []string
	freshReset    []string
	reverted      []string
	activityOn    []string
	push66Stamped []string
	push33Stamped []string
	warnStamped   []string
	deletedUsers  []string
	namesQueried  [][]string

	requeueCalls  int
	requeueCutoff time.Time
	audioCounts   int

	claimDenied     map[string]bool
	markSentDenials map[string]int

	errRequeue        error
	errRequeueOnce    bool
	errActiveProfiles error
	errActiveEntries  error
	errClaim          map[string]error
	errRelease        error
	errDelete         map[string]error
	errMarkSent       error
	errPendingCount   error
	errEntryCount     error
	errAudioCount     error
	errAged           error
	errSenderNames    error
	errTombstone      error
	errTombstoneCount error
	errMarkActivity   error
	errGrace          error
	errFreshReset     map[string]error
	errRevert         error
	errStamp          error
	errDeleteUser     map[string]error
}

var _ Datastore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:        map[string]*store.Profile{},
		entries:         map[string]*store.Entry{},
		tombstones:      map[string]store.Tombstone{},
		graceStartedAt:  map[string]time.Time{},
		claimDenied:     map[string]bool{},
		markSentDenials: map[string]int{},
		errClaim:        map[string]error{},
		errDelete:       map[string]error{},
		errFreshReset:   map[string]error{},
		errDeleteUser:   map[string]error{},
	}
}

func (f *fakeStore) addProfile(p store.Profile) {
	cp := p
	f.profiles[p.ID] = &cp
}

func (f *fakeStore) addEntry(e store.Entry) {
	cp := e
	f.entries[e.ID] = &cp
}

func (f *fakeStore) entry(t *testing.T, id string) store.Entry {
	t.Helper()
	e, ok := f.entries[id]
	require.True(t, ok, "entry %s is gone", id)
	return *e
}

func (f *fakeStore) profile(t *testing.T, id string) store.Profile {
	t.Helper()
	p, ok := f.profiles[id]
	require.True(t, ok, "profile %s is gone", id)
	return *p
}

func (f *fakeStore) profilesSorted() []*store.Profile {
	ids := make([]string, 0, len(f.profiles))
	for id := range f.profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*store.Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.profiles[id])
	}
	return out
}

func (f *fakeStore) entriesSorted() []*store.Entry {
	ids := make([]string, 0, len(f.entries))
	for id := range f.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*store.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.entries[id])
	}
	return out
}

func (f *fakeStore) ActiveProfilesPage(_ context.Context, afterID string, limit int) ([]store.Profile, error) {
	if f.errActiveProfiles != nil {
		return nil, f.errActiveProfiles
	}
	var page []store.Profile
	for _, p := range f.profilesSorted() {
		if p.Status != consts.ProfileStatusActive || p.ID <= afterID {
			continue
		}
		page = append(page, *p)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeStore) ActiveEntriesForUsers(_ context.Context, userIDs []string) ([]store.Entry, error) {
	if f.errActiveEntries != nil {
		return nil, f.errActiveEntries
	}
	users := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		users[id] = struct{}{}
	}
	var out []store.Entry
	for _, e := range f.entriesSorted() {
		if e.Status != consts.EntryStatusActive {
			continue
		}
		if _, ok := users[e.UserID]; !ok {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) RequeueStaleSendingEntries(_ context.Context, cutoff time.Time) (int, error) {
	f.requeueCalls++
	f.requeueCutoff = cutoff
	if f.errRequeue != nil {
		err := f.errRequeue
		if f.errRequeueOnce {
			f.errRequeue = nil
		}
		return 0, err
	}
	n := 0
	for _, id := range f.staleSendingIDs {
		if e, ok := f.entries[id]; ok && e.Status == consts.EntryStatusSending {
			e.Status = consts.EntryStatusActive
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClaimEntryForSending(_ context.Context, entryID string) (bool, error) {
	if err := f.errClaim[entryID]; err != nil {
		return false, err
	}
	if f.claimDenied[entryID] {
		return false, nil
	}
	e, ok := f.entries[entryID]
	if !ok || e.Status != consts.EntryStatusActive {
		return false, nil
	}
	e.Status = consts.EntryStatusSending
	f.claims = append(f.claims, entryID)
	return true, nil
}

func (f *fakeStore) ReleaseEntryLock(_ context.Context, entryID string) error {
	if f.errRelease != nil {
		return f.errRelease
	}
	f.released = append(f.released, entryID)
	if e, ok := f.entries[entryID]; ok && e.Status == consts.EntryStatusSending {
		e.Status = consts.EntryStatusActive
	}
	return nil
}

func (f *fakeStore) MarkEntrySent(_ context.Context, entryID string, sentAt time.Time) (bool, error) {
	if f.errMarkSent != nil {
		return false, f.errMarkSent
	}
	if f.markSentDenials[entryID] > 0 {
		f.markSentDenials[entryID]--
		return false, nil
	}
	e, ok := f.entries[entryID]
	if !ok || e.Status != consts.EntryStatusSending {
		return false, nil
	}
	e.Status = consts.EntryStatusSent
	e.SentAt = store.NewTimestamp(sentAt)
	return true, nil
}

func (f *fakeStore) DeleteEntry(_ context.Context, entry store.Entry) error {
	if err := f.errDelete[entry.ID]; err != nil {
		return err
	}
	delete(f.entries, entry.ID)
	f.deleted = append(f.deleted, entry)
	f.ops = append(f.ops, "delete:"+entry.ID)
	return nil
}

func (f *fakeStore) PendingEntryCount(_ context.Context, userID string) (int, error) {
	if f.errPendingCount != nil {
		return 0, f.errPendingCount
	}
	n := 0
	for _, e := range f.entries {
		if e.UserID != userID {
			continue
		}
		if e.Status == consts.EntryStatusActive || e.Status == consts.EntryStatusSending {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) EntryCount(_ context.Context, userID string) (int, error) {
	if f.errEntryCount != nil {
		return 0, f.errEntryCount
	}
	n := 0
	for _, e := range f.entries {
		if e.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountActiveAudioEntries(_ context.Context, userID string) (int, error) {
	f.audioCounts++
	if f.errAudioCount != nil {
		return 0, f.errAudioCount
	}
	n := 0
	for _, e := range f.entries {
		if e.UserID == userID && e.Status == consts.EntryStatusActive &&
			strings.EqualFold(e.DataType, consts.DataTypeAudio) {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ActiveAudioEntries(_ context.Context, userID string) ([]store.Entry, error) {
	var out []store.Entry
	for _, e := range f.entriesSorted() {
		if e.UserID == userID && e.Status == consts.EntryStatusActive &&
			strings.EqualFold(e.DataType, consts.DataTypeAudio) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkVaultActivity(_ context.Context, userID string) error {
	if f.errMarkActivity != nil {
		return f.errMarkActivity
	}
	f.activityOn = append(f.activityOn, userID)
	if p, ok := f.profiles[userID]; ok {
		p.HadVaultActivity = true
	}
	return nil
}

func (f *fakeStore) StartGracePeriod(_ context.Context, userID string, now time.Time) error {
	if f.errGrace != nil {
		return f.errGrace
	}
	f.graceStarted = append(f.graceStarted, userID)
	f.graceStartedAt[userID] = now
	if p, ok := f.profiles[userID]; ok {
		p.Status = consts.ProfileStatusInactive
		p.TimerDays = consts.DefaultTimerDays
		p.WarningSentAt, p.Push66SentAt, p.Push33SentAt = nil, nil, nil
	}
	return nil
}

func (f *fakeStore) ResetProfileFresh(_ context.Context, userID string, now time.Time) error {
	if err := f.errFreshReset[userID]; err != nil {
		return err
	}
	f.freshReset = append(f.freshReset, userID)
	delete(f.graceStartedAt, userID)
	if p, ok := f.profiles[userID]; ok {
		p.Status = consts.ProfileStatusActive
		p.TimerDays = consts.DefaultTimerDays
		p.LastCheckIn = store.NewTimestamp(now)
		p.WarningSentAt, p.Push66SentAt, p.Push33SentAt = nil, nil, nil
	}
	return nil
}

func (f *fakeStore) RevertProfileToFree(_ context.Context, userID string, now time.Time) error {
	if f.errRevert != nil {
		return f.errRevert
	}
	f.reverted = append(f.reverted, userID)
	if p, ok := f.profiles[userID]; ok {
		p.TimerDays = consts.DefaultTimerDays
		p.LastCheckIn = store.NewTimestamp(now)
		p.WarningSentAt, p.Push66SentAt, p.Push33SentAt = nil, nil, nil
		p.SelectedTheme, p.SelectedSoulFire = nil, nil
	}
	return nil
}

func (f *fakeStore) MarkPush66Sent(_ context.Context, userID string, now time.Time) error {
	if f.errStamp != nil {
		return f.errStamp
	}
	f.push66Stamped = append(f.push66Stamped, userID)
	if p, ok := f.profiles[userID]; ok {
		p.Push66SentAt = store.NewTimestamp(now)
	}
	return nil
}

func (f *fakeStore) MarkPush33Sent(_ context.Context, userID string, now time.Time) error {
	if f.errStamp != nil {
		return f.errStamp
	}
	f.push33Stamped = append(f.push33Stamped, userID)
	if p, ok := f.profiles[userID]; ok {
		p.Push33SentAt = store.NewTimestamp(now)
	}
	return nil
}

func (f *fakeStore) MarkWarningSent(_ context.Context, userID string, now time.Time) error {
	if f.errStamp != nil {
		return f.errStamp
	}
	f.warnStamped = append(f.warnStamped, userID)
	if p, ok := f.profiles[userID]; ok {
		p.WarningSentAt = store.NewTimestamp(now)
	}
	return nil
}

func (f *fakeStore) AgedSentEntriesPage(_ context.Context, cutoff time.Time, offset, limit int) ([]store.Entry, error) {
	if f.errAged != nil {
		return nil, f.errAged
	}
	var aged []store.Entry
	for _, e := range f.entriesSorted() {
		if e.Status != consts.EntryStatusSent {
			continue
		}
		sentAt := e.SentAt.TimeOrNil()
		if sentAt == nil || !sentAt.Before(cutoff) {
			continue
		}
		aged = append(aged, *e)
	}
	if offset >= len(aged) {
		return nil, nil
	}
	end := offset + limit
	if end > len(aged) {
		end = len(aged)
	}
	return aged[offset:end], nil
}

func (f *fakeStore) SenderNames(_ context.Context, userIDs []string) (map[string]string, error) {
	f.namesQueried = append(f.namesQueried, append([]string(nil), userIDs...))
	if f.errSenderNames != nil {
		return nil, f.errSenderNames
	}
	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		p, ok := f.profiles[id]
		if !ok {
			continue
		}
		name := p.SenderName
		if name == "" {
			name = consts.SenderNameDefault
		}
		names[id] = name
	}
	return names, nil
}

func (f *fakeStore) InsertTombstone(_ context.Context, t store.Tombstone) error {
	if f.errTombstone != nil {
		return f.errTombstone
	}
	if _, ok := f.tombstones[t.VaultEntryID]; ok {
		// A conflict means an earlier run already recorded it.
		return nil
	}
	f.tombstones[t.VaultEntryID] = t
	f.ops = append(f.ops, "tombstone:"+t.VaultEntryID)
	return nil
}

func (f *fakeStore) TombstoneCount(_ context.Context, userID string) (int, error) {
	if f.errTombstoneCount != nil {
		return 0, f.errTombstoneCount
	}
	n := 0
	for _, t := range f.tombstones {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ExpiredGraceProfilesPage(_ context.Context, cutoff time.Time, afterID string, limit int) ([]store.Profile, error) {
	var page []store.Profile
	for _, p := range f.profilesSorted() {
		if p.Status != consts.ProfileStatusInactive || p.ID <= afterID {
			continue
		}
		at, ok := f.graceStartedAt[p.ID]
		if !ok || !at.Before(cutoff) {
			continue
		}
		page = append(page, *p)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeStore) StaleActiveProfilesPage(_ context.Context, cutoff time.Time, afterID string, limit int) ([]store.Profile, error) {
	var page []store.Profile
	for _, p := range f.profilesSorted() {
		if p.Status != consts.ProfileStatusActive || p.ID <= afterID {
			continue
		}
		created := p.CreatedAt.TimeOrNil()
		if created == nil || !created.Before(cutoff) {
			continue
		}
		page = append(page, *p)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeStore) DeleteAuthUser(_ context.Context, userID string) error {
	if err := f.errDeleteUser[userID]; err != nil {
		return err
	}
	delete(f.profiles, userID)
	f.deletedUsers = append(f.deletedUsers, userID)
	return nil
}

type sentMail struct {
	msg mail.Message
	key string
}

type sentBatch struct {
	msgs []mail.Message
	key  string
}

type fakeMailer struct {
	sent    []sentMail
	batches []sentBatch

	errSend      error
	errSendBatch error
}

var _ Mailer = (*fakeMailer)(nil)

func (m *fakeMailer) Send(_ context.Context, msg mail.Message, idempotencyKey string) error {
	if m.errSend != nil {
		return m.errSend
	}
	m.sent = append(m.sent, sentMail{msg: msg, key: idempotencyKey})
	return nil
}

func (m *fakeMailer) SendBatch(_ context.Context, msgs []mail.Message, idempotencyKey string) error {
	if m.errSendBatch != nil {
		return m.errSendBatch
	}
	m.batches = append(m.batches, sentBatch{msgs: slices.Clone(msgs), key: idempotencyKey})
	return nil
}

type sentPush struct {
	userID string
	n      push.Notification
}

type fakePusher struct {
	sent      []sentPush
	delivered bool
	err       error
}

var _ Pusher = (*fakePusher)(nil)

func (p *fakePusher) SendToUser(_ context.Context, userID string, n push.Notification) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	p.sent = append(p.sent, sentPush{userID: userID, n: n})
	return p.delivered, nil
}

// newTestHeartbeat wires a Heartbeat against fresh fakes. The pusher
// defaults to delivered=true; tests model push-less deployments by setting
// h.pusher = nil.
func newTestHeartbeat(t *testing.T) (*Heartbeat, *fakeStore, *fakeMailer, *fakePusher) {
	t.Helper()
	fs := newFakeStore()
	fm := &fakeMailer{}
	fp := &fakePusher{delivered: true}
	box, err := crypto.NewSecretBox(testServerSecret)
	require.NoError(t, err)
	h, err := New(Config{
		Store:         fs,
		Mailer:        fm,
		Pusher:        fp,
		SecretBox:     box,
		FromEmail:     testFromEmail,
		ViewerBaseURL: testViewerURL,
		Logger:        logr.Discard(),
	})
	require.NoError(t, err)
	return h, fs, fm, fp
}

// testVaultKey is the 32-byte per-user HMAC key fixtures sign with.
func testVaultKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

// sealEnvelope encrypts plaintext into the dotted-triple format under the
// key derived from testServerSecret, the same derivation SecretBox uses.
func sealEnvelope(t *testing.T, plaintext []byte) string {
	t.Helper()
	key := sha256.Sum256([]byte(testServerSecret))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := []byte("0123456789ab")
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]
	return base64.StdEncoding.EncodeToString(nonce) + "." +
		base64.StdEncoding.EncodeToString(ciphertext) + "." +
		base64.StdEncoding.EncodeToString(tag)
}

// expiredProfile returns an active paid profile whose countdown ran out
// before now and whose vault HMAC key decrypts to testVaultKey.
func expiredProfile(t *testing.T, id string, now time.Time) store.Profile {
	t.Helper()
	return store.Profile{
		ID:                 id,
		Email:              id + "@example.com",
		SenderName:         "Sender " + id,
		Status:             consts.ProfileStatusActive,
		SubscriptionStatus: "pro",
		LastCheckIn:        store.NewTimestamp(now.Add(-31 * 24 * time.Hour)),
		TimerDays:          consts.DefaultTimerDays,
		HMACKeyEncrypted:   sealEnvelope(t, testVaultKey()),
	}
}

// signedSendEntry returns an active send entry whose envelopes open under
// the test server secret and whose signature verifies under testVaultKey.
func signedSendEntry(t *testing.T, id, userID, recipient string) store.Entry {
	t.Helper()
	payload := sealEnvelope(t, []byte("payload for "+id))
	recipientEnc := sealEnvelope(t, []byte(recipient))
	sig, err := crypto.ComputeSignature(payload+"|"+recipientEnc, testVaultKey())
	require.NoError(t, err)
	return store.Entry{
		ID:                      id,
		UserID:                  userID,
		Title:                   "Letter " + id,
		ActionType:              consts.ActionTypeSend,
		DataType:                "text",
		Status:                  consts.EntryStatusActive,
		PayloadEncrypted:        payload,
		RecipientEmailEncrypted: recipientEnc,
		DataKeyEncrypted:        sealEnvelope(t, []byte("data key "+id)),
		HMACSignature:           sig,
	}
}

func newDestroyEntry(id, userID string) store.Entry {
	return store.Entry{
		ID:         id,
		UserID:     userID,
		Title:      "Burn " + id,
		ActionType: consts.ActionTypeDestroy,
		DataType:   "text",
		Status:     consts.EntryStatusActive,
	}
}
