package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/api"
	"github.com/captchaforge/gatekeeper/pkg/challenge"
	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
	"github.com/captchaforge/gatekeeper/pkg/monitoring"
	"github.com/captchaforge/gatekeeper/pkg/policy"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/session/store/memory"
	"github.com/captchaforge/gatekeeper/pkg/sitecfg"
	"github.com/captchaforge/gatekeeper/pkg/siteverify"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/captchaforge/gatekeeper/pkg/verify"
	"github.com/justinas/alice"
	"github.com/stretchr/testify/require"
)

type fakeSitekeyStore struct{ sk *sitekey.Sitekey }

func (f *fakeSitekeyStore) Create(ctx context.Context, domain string, p sitekey.Policy) (*sitekey.Sitekey, string, error) {
	return f.sk, "secret", nil
}
func (f *fakeSitekeyStore) GetByPublicKey(ctx context.Context, publicKey string) (*sitekey.Sitekey, error) {
	if publicKey != f.sk.PublicKey {
		return nil, sitekey.ErrNotFound
	}
	return f.sk, nil
}
func (f *fakeSitekeyStore) GetBySecretHash(ctx context.Context, secretHash string) (*sitekey.Sitekey, error) {
	if secretHash != sitekey.HashSecret("test-secret") {
		return nil, sitekey.ErrNotFound
	}
	return f.sk, nil
}
func (f *fakeSitekeyStore) UpdatePolicy(ctx context.Context, publicKey string, p sitekey.Policy) error {
	f.sk.Policy = p
	return nil
}

func noopProtect(next http.Handler) http.Handler { return next }

type testServer struct {
	mux        *http.ServeMux
	sessions   *session.Manager
	sitekeys   *fakeSitekeyStore
	orchestrator *verify.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGrid}
	p.PowDifficulty = 1
	sk := &sitekey.Sitekey{PublicKey: "pk_test", Policy: p}
	store := &fakeSitekeyStore{sk: sk}

	mgr := &session.Manager{Store: memory.New(), MaxLifetime: time.Minute}
	mgr.Init(ctx, time.Minute)

	filter := policy.New(1000)
	factory := challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute)

	orchestrator := &verify.Orchestrator{
		Sitekeys:        store,
		Filter:          filter,
		Factory:         factory,
		Challenges:      token.NewStore[*verify.ChallengeRecord](token.KindChallenge, 1000),
		Verifications:   token.NewStore[*verify.VerificationRecord](token.KindVerification, 1000),
		TokenKey:        []byte("token-key"),
		PowKey:          []byte("pow-key"),
		ChallengeTTL:    time.Minute,
		VerificationTTL: time.Minute,
	}

	siteVerifySvc := &siteverify.Service{
		Sitekeys:      store,
		Verifications: orchestrator.Verifications,
		TokenKey:      orchestrator.TokenKey,
	}

	siteCfgSvc := &sitecfg.Service{Sitekeys: store, Sessions: mgr}

	server := &api.Server{
		Sitekeys:   store,
		Sessions:   mgr,
		SiteConfig: siteCfgSvc,
		Verify:     orchestrator,
		SiteVerify: siteVerifySvc,
		Metrics:    monitoring.NewStub(),
		TokenKey:   orchestrator.TokenKey,
	}

	mux := http.NewServeMux()
	server.Setup(mux, "", false, alice.Constructor(noopProtect))

	return &testServer{mux: mux, sessions: mgr, sitekeys: store, orchestrator: orchestrator}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandshakeSecurityConfigChallengeVerifyFlow(t *testing.T) {
	ts := newTestServer(t)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	hsRec := ts.do(t, http.MethodPost, "/handshake", map[string]string{
		"sitekey":           "pk_test",
		"client_public_key": base64.StdEncoding.EncodeToString(client.PublicKeyBytes()),
	})
	require.Equal(t, http.StatusOK, hsRec.Code)

	var hsResp struct {
		SessionID        string `json:"session_id"`
		ServicePublicKey string `json:"service_public_key"`
	}
	require.NoError(t, json.NewDecoder(hsRec.Body).Decode(&hsResp))
	require.NotEmpty(t, hsResp.SessionID)

	sess, err := ts.sessions.Lookup(context.Background(), "pk_test", hsResp.SessionID)
	require.NoError(t, err)

	cfgRec := ts.do(t, http.MethodPost, "/security-config", map[string]string{
		"sitekey":    "pk_test",
		"session_id": hsResp.SessionID,
	})
	require.Equal(t, http.StatusOK, cfgRec.Code)

	requestKey, err := cryptoengine.DeriveChild(sess.Key, []byte(sess.ID), cryptoengine.DirectionEncrypt, 32)
	require.NoError(t, err)

	challengeRec := ts.do(t, http.MethodPost, "/challenge", map[string]string{
		"sitekey":    "pk_test",
		"session_id": hsResp.SessionID,
	})
	require.Equal(t, http.StatusOK, challengeRec.Code)

	var challengeResp struct {
		Protocol string `json:"protocol"`
		Data     string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(challengeRec.Body).Decode(&challengeResp))

	ciphertext, err := base64.StdEncoding.DecodeString(challengeResp.Data)
	require.NoError(t, err)
	plaintext, err := cryptoengine.Open(requestKey, ciphertext, []byte(sess.ID))
	require.NoError(t, err)

	var innerResp struct {
		ChallengeToken string `json:"challenge_token"`
		PuzzleData     struct {
			GridEmojis   []string `json:"grid_emojis"`
			TargetEmojis []string `json:"target_emojis"`
		} `json:"puzzle_data"`
		PowParams struct {
			Salt       string `json:"salt"`
			TargetHash string `json:"target_hash"`
			MaxNumber  uint64 `json:"max_number"`
		} `json:"pow_params"`
	}
	require.NoError(t, json.Unmarshal(plaintext, &innerResp))
	require.NotEmpty(t, innerResp.ChallengeToken)

	rec, err := ts.orchestrator.Challenges.Peek(ts.orchestrator.TokenKey, innerResp.ChallengeToken)
	require.NoError(t, err)

	solution, ok := rec.Challenge.PoW.Solve()
	require.True(t, ok)

	tokenID, err := token.Parse(ts.orchestrator.TokenKey, token.KindChallenge, innerResp.ChallengeToken)
	require.NoError(t, err)

	solutionKey, err := cryptoengine.DeriveChild(sess.Key, []byte(tokenID), cryptoengine.DirectionDecrypt, 32)
	require.NoError(t, err)

	solutionPlain, err := json.Marshal(map[string]any{
		"answer":      answerForGrid(rec.Challenge),
		"powSolution": solution,
	})
	require.NoError(t, err)
	solutionCiphertext, err := cryptoengine.Seal(solutionKey, solutionPlain, []byte(tokenID))
	require.NoError(t, err)

	verifyRec := ts.do(t, http.MethodPost, "/verify", map[string]string{
		"sitekey":         "pk_test",
		"session_id":      hsResp.SessionID,
		"challenge_token": innerResp.ChallengeToken,
		"protocol":        "encrypted-v1",
		"solution_data":   base64.StdEncoding.EncodeToString(solutionCiphertext),
	})
	require.Equal(t, http.StatusOK, verifyRec.Code)
}

func TestHandshakeFailsForUnknownSitekey(t *testing.T) {
	ts := newTestServer(t)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/handshake", map[string]string{
		"sitekey":           "does-not-exist",
		"client_public_key": base64.StdEncoding.EncodeToString(client.PublicKeyBytes()),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.False(t, body.Success)
	require.Equal(t, "unknown_sitekey", body.Error)
}

func TestSiteverifyRejectsMissingBearerSecret(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/siteverify", bytes.NewBufferString(`{"response":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// answerForGrid recomputes the grid answer from the same grid_emojis /
// target_emojis fields a widget is shown; tests only, exercising the exact
// derivation a legitimate client performs client-side.
func answerForGrid(c *challenge.Challenge) string {
	targets := make(map[string]struct{}, len(c.Grid.TargetEmojis))
	for _, e := range c.Grid.TargetEmojis {
		targets[e] = struct{}{}
	}

	var cells []int
	for i, e := range c.Grid.GridEmojis {
		if _, ok := targets[e]; ok {
			cells = append(cells, i)
		}
	}
	return joinInts(cells)
}

func joinInts(xs []int) string {
	s := ""
	for i, x := range xs {
		if i > 0 {
			s += ","
		}
		s += itoa(x)
	}
	return s
}

func itoa(x int) string {
	if x == 0 {
		return "0"
	}
	neg := x < 0
	if neg {
		x = -x
	}
	var buf [20]byte
	i := len(buf)
	for x > 0 {
		i--
		buf[i] = byte('0' + x%10)
		x /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
