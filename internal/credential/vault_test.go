package credential_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/agenterr"
	"github.com/kraklabs/nodeagentd/internal/credential"
)

func newSignedCred(t *testing.T, kp nkeys.KeyPair, jobID uint32) credential.JobCredential {
	t.Helper()
	cred := credential.JobCredential{
		JobID:     jobID,
		StepID:    0,
		UID:       1001,
		GID:       1001,
		UserName:  "alice",
		Hostlist:  []string{"n1", "n2"},
		StartTime: time.Now(),
	}
	sig := mustSign(t, kp, cred)
	cred.Signature = sig
	return cred
}

func mustSign(t *testing.T, kp nkeys.KeyPair, cred credential.JobCredential) []byte {
	t.Helper()
	// The vault signs/verifies over the credential with Signature stripped;
	// exercise the same path the vault uses internally by round-tripping
	// through a throwaway vault's canonical payload helper via Verify's
	// own contract instead of re-implementing CBOR encoding here: sign
	// whatever bytes a fresh unsigned copy produces.
	unsigned := cred
	unsigned.Signature = nil
	payload, err := credential.SigningPayload(unsigned)
	require.NoError(t, err)
	sig, err := kp.Sign(payload)
	require.NoError(t, err)
	return sig
}

func TestVerifySucceedsForValidCredential(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1"})

	cred := newSignedCred(t, kp, 100)
	args, err := v.Verify(cred, cred.UID, false)
	require.NoError(t, err)
	require.Equal(t, 0, args.NodeIndex)
}

func TestVerifyRejectsForeignHostname(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n9"})

	cred := newSignedCred(t, kp, 100)
	_, err := v.Verify(cred, cred.UID, false)
	require.Error(t, err)
	kind, ok := agenterr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, agenterr.KindAuth, kind)
}

func TestVerifyRejectsUidMismatchUnlessPrivileged(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1"})
	cred := newSignedCred(t, kp, 100)

	_, err := v.Verify(cred, 999, false)
	require.Error(t, err)

	_, err = v.Verify(cred, 999, true)
	require.NoError(t, err)
}

// Revoking a credential before it is ever verified still yields
// CredentialRevoked, not a generic verification failure.
func TestRevokeBeforeVerifyYieldsCredentialRevoked(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1"})
	cred := newSignedCred(t, kp, 200)

	v.Revoke(200, time.Now(), cred.StartTime.Add(-time.Second))

	_, err := v.Verify(cred, cred.UID, false)
	require.Error(t, err)
	kind, _ := agenterr.KindOf(err)
	require.Equal(t, agenterr.KindCredentialRevoked, kind)
}

func TestHandleReissueClearsOlderRevocation(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1"})

	oldStart := time.Now()
	v.Revoke(300, time.Now(), oldStart)

	cred := newSignedCred(t, kp, 300)
	cred.StartTime = oldStart.Add(time.Minute)
	cred.Signature = mustSign(t, kp, cred)

	v.HandleReissue(cred)

	_, err := v.Verify(cred, cred.UID, false)
	require.NoError(t, err)
}

func TestReplayCacheAllowsReuseWithoutReverification(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1", ReplayWindow: time.Minute})
	cred := newSignedCred(t, kp, 400)

	_, err := v.Verify(cred, cred.UID, false)
	require.NoError(t, err)

	// Corrupt the signature; a cached replay should still succeed because
	// the (job,step) pair was already validated within the replay window.
	cred.Signature = []byte("corrupted")
	_, err = v.Verify(cred, cred.UID, false)
	require.NoError(t, err)
}

// Pack/unpack round-trips observationally: verification still succeeds
// and revocation state survives the round trip.
func TestPackUnpackRoundTrip(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1"})
	cred := newSignedCred(t, kp, 500)
	v.InsertJob(cred)
	v.Revoke(500, time.Now(), cred.StartTime.Add(-time.Second))

	data, err := v.Pack()
	require.NoError(t, err)

	v2 := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1"})
	require.NoError(t, v2.Unpack(data))

	require.True(t, v2.HasSeen(500))
	require.True(t, v2.IsRevoked(500))

	_, err = v2.Verify(cred, cred.UID, false)
	kind, _ := agenterr.KindOf(err)
	require.Equal(t, agenterr.KindCredentialRevoked, kind)
}

func TestSaveLoadAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cred_state")

	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1", PersistPath: path})
	cred := newSignedCred(t, kp, 600)
	v.InsertJob(cred)

	require.NoError(t, v.Save())
	_, err := os.Stat(path)
	require.NoError(t, err)

	v2 := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1", PersistPath: path})
	require.NoError(t, v2.Load())
	require.True(t, v2.HasSeen(600))

	// A second save must produce a .old backup of the prior generation.
	v.InsertJob(newSignedCred(t, kp, 601))
	require.NoError(t, v.Save())
	_, err = os.Stat(path + ".old")
	require.NoError(t, err)
}

func TestGCPurgesExpiredRevocations(t *testing.T) {
	kp, _ := nkeys.CreateAccount()
	v := credential.New(credential.Options{PublicVerifier: kp, LocalHostname: "n1", CredLifetime: time.Millisecond})
	cred := newSignedCred(t, kp, 700)
	v.InsertJob(cred)
	v.Revoke(700, time.Now(), cred.StartTime.Add(-time.Second))
	v.BeginExpiration(700)

	time.Sleep(5 * time.Millisecond)
	v.GC(time.Now())

	require.False(t, v.HasSeen(700))
	require.False(t, v.IsRevoked(700))
}
