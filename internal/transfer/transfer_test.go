package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tanq16/xfercore/internal/chunkmacs"
	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/xfererr"
)

func sampleTransfer() *Transfer {
	tr := New(GET, "/home/user/movie.mkv", Fingerprint{Size: 4096, Mtime: time.Unix(1700000000, 0).UTC(), Checksum: 0xdeadbeef}, 4096,
		fileset.NewPlainFile(fileset.Download, "movie.mkv", "/home/user/dst/movie.mkv", fileset.OverwriteTarget),
	)
	tr.Priority = 123456789
	tr.ChunkMacs.Set(0, chunkmacs.MAC{1, 2, 3, 4, 5, 6, 7, 8}, true)
	tr.ChunkMacs.Set(chunkmacs.ChunkSize, chunkmacs.MAC{}, false)
	tr.RefreshProgress()
	tr.TempURLs = []string{"https://a", "https://b", "https://c", "https://d", "https://e", "https://f"}
	tr.CTRIV = 0x0102030405060708
	tr.MetaMAC = 0x1112131415161718
	copy(tr.FileKey[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(tr.TransferKey[:], []byte("0123456789abcdef"))
	return tr
}

func TestSerializeRoundTrip(t *testing.T) {
	tr := sampleTransfer()
	tr.State = StatePaused

	data := tr.Serialize()
	got, err := Deserialize(data)
	require.NoError(t, err)

	require.Equal(t, tr.Direction, got.Direction)
	require.Equal(t, tr.LocalFilename, got.LocalFilename)
	require.Equal(t, tr.FileKey, got.FileKey)
	require.Equal(t, tr.CTRIV, got.CTRIV)
	require.Equal(t, tr.MetaMAC, got.MetaMAC)
	require.Equal(t, tr.TransferKey, got.TransferKey)
	require.Equal(t, tr.Fingerprint.Size, got.Fingerprint.Size)
	require.Equal(t, tr.Fingerprint.Checksum, got.Fingerprint.Checksum)
	require.Equal(t, tr.Priority, got.Priority)
	require.Equal(t, tr.TempURLs, got.TempURLs)
	require.Equal(t, StatePaused, got.State)
	require.True(t, got.ValidTempURLs())
}

func TestSerializeNonPausedNormalizesToNone(t *testing.T) {
	tr := sampleTransfer()
	tr.State = StateActive

	got, err := Deserialize(tr.Serialize())
	require.NoError(t, err)
	require.Equal(t, StateNone, got.State)
}

func TestDeserializeRejectsUnknownDirection(t *testing.T) {
	data := sampleTransfer().Serialize()
	data[0] = 0xFF
	_, err := Deserialize(data)
	require.ErrorIs(t, err, ErrUnknownDirection)
}

func TestDeserializeRejectsTruncated(t *testing.T) {
	data := sampleTransfer().Serialize()
	_, err := Deserialize(data[:5])
	require.Error(t, err)
}

func TestValidTempURLsInvariant(t *testing.T) {
	tr := sampleTransfer()
	require.True(t, tr.ValidTempURLs())

	require.NoError(t, tr.SetTempURLs(nil))
	require.True(t, tr.ValidTempURLs())

	require.NoError(t, tr.SetTempURLs([]string{"https://only"}))
	require.True(t, tr.ValidTempURLs())

	err := tr.SetTempURLs([]string{"a", "b", "c"})
	require.Error(t, err)
}

type fakeEnv struct {
	overquotaNotified bool
	overquotaMode     bool
	appNotified       []error
	syncsDisabled     bool
}

func (f *fakeEnv) NotifyOverquota()       { f.overquotaNotified = true }
func (f *fakeEnv) ActivateOverquotaMode() { f.overquotaMode = true }
func (f *fakeEnv) NotifyApp(t *Transfer, err error) { f.appNotified = append(f.appNotified, err) }
func (f *fakeEnv) DisableSyncs()          { f.syncsDisabled = true }

func TestFailedOverquotaNoSlotArmsBackoff(t *testing.T) {
	tr := sampleTransfer()
	env := &fakeEnv{}
	destroyed := tr.Failed(env, xfererr.New(xfererr.EOVERQUOTA), 5*time.Second, nil)
	require.False(t, destroyed)
	require.True(t, env.overquotaNotified)
	require.True(t, tr.Backoff.Armed())
}

func TestFailedPaywallNoSlotArmsBackoff(t *testing.T) {
	tr := sampleTransfer()
	env := &fakeEnv{}
	destroyed := tr.Failed(env, xfererr.New(xfererr.EPAYWALL), 5*time.Second, nil)
	require.False(t, destroyed)
	require.True(t, env.overquotaNotified)
	require.True(t, tr.Backoff.Armed())
}

func TestFailedPaywallWithSlotAllForeignNoTimeoutDestroys(t *testing.T) {
	tr := sampleTransfer()
	tr.ActivateSlot()
	env := &fakeEnv{}
	var removed *Transfer
	destroyed := tr.Failed(env, xfererr.New(xfererr.EPAYWALL), 0, func(t *Transfer) { removed = t })
	require.True(t, destroyed)
	require.Equal(t, tr, removed)
	require.False(t, env.overquotaMode)
}

func TestFailedPaywallWithSlotArmsOverquotaMode(t *testing.T) {
	tr := sampleTransfer()
	tr.ActivateSlot()
	env := &fakeEnv{}
	destroyed := tr.Failed(env, xfererr.New(xfererr.EPAYWALL), 5*time.Second, nil)
	require.False(t, destroyed)
	require.True(t, env.overquotaMode)
	require.True(t, tr.Backoff.Armed())
}

func TestFailedEBusinessPastDueDestroysWithoutBackoff(t *testing.T) {
	tr := sampleTransfer()
	env := &fakeEnv{}
	var removed *Transfer
	destroyed := tr.Failed(env, xfererr.New(xfererr.EBUSINESSPASTDUE), 0, func(t *Transfer) { removed = t })
	require.True(t, destroyed)
	require.True(t, env.syncsDisabled)
	require.False(t, tr.Backoff.Armed())
	require.Equal(t, tr, removed)
	require.Equal(t, StateFailed, tr.State)
}

func TestFailedEArgsRemovesNonSyncFiles(t *testing.T) {
	tr := sampleTransfer()
	env := &fakeEnv{}
	destroyed := tr.Failed(env, xfererr.New(xfererr.EARGS), 0, nil)
	require.True(t, destroyed) // only file was non-sync, so all files gone
	require.Empty(t, tr.Files)
}

func TestFailedDefaultArmsRetrying(t *testing.T) {
	tr := sampleTransfer()
	env := &fakeEnv{}
	destroyed := tr.Failed(env, xfererr.New(xfererr.EFAILED), 0, nil)
	require.False(t, destroyed)
	require.Equal(t, StateRetrying, tr.State)
	require.True(t, tr.Backoff.Armed())
}
