package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/auth"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/database"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/k8s"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/lifecycle"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/storage"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/users"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/validator"
)

var _ auth.Provider = (*stubIdentityProvider)(nil)

// stubIdentityProvider resolves preconfigured ID tokens to identities.
type stubIdentityProvider struct {
	identities map[string]*auth.Identity
}

func (p *stubIdentityProvider) Name() string { return "stub" }

func (p *stubIdentityProvider) ValidateToken(ctx context.Context, token string) (*auth.Identity, error) {
	identity, ok := p.identities[token]
	if !ok {
		return nil, fmt.Errorf("token rejected")
	}
	return identity, nil
}

func (p *stubIdentityProvider) GetUserInfo(ctx context.Context, accessToken string) (*auth.Identity, error) {
	return p.ValidateToken(ctx, accessToken)
}

func (p *stubIdentityProvider) OAuthConfig() auth.OAuthConfig {
	return auth.OAuthConfig{Provider: "stub", ClientID: "stub-client"}
}

func (p *stubIdentityProvider) RefreshToken(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	return nil, fmt.Errorf("refresh not supported")
}

func (p *stubIdentityProvider) ValidateLogout(ctx context.Context, token string) error { return nil }

func (p *stubIdentityProvider) Capabilities() []auth.Capability {
	return []auth.Capability{auth.CapabilityRefreshToken}
}

var _ k8s.ClientInterface = (*fakePodClient)(nil)

type fakePodClient struct {
	mu     sync.Mutex
	phases map[string]corev1.PodPhase
	logs   string
}

func newFakePodClient() *fakePodClient {
	return &fakePodClient{phases: make(map[string]corev1.PodPhase), logs: "workspace ready\n"}
}

func (f *fakePodClient) HealthCheck(ctx context.Context) error { return nil }

func (f *fakePodClient) GetServerVersion(ctx context.Context) (string, error) { return "v1.28.0", nil }

func (f *fakePodClient) EnsureNamespace(ctx context.Context, name string, labels map[string]string) error {
	return nil
}

func (f *fakePodClient) CreatePod(ctx context.Context, spec *k8s.PodSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[spec.Namespace+"/"+spec.Name] = corev1.PodPending
	return nil
}

func (f *fakePodClient) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	phase, ok := f.phases[namespace+"/"+name]
	if !ok {
		return nil, fmt.Errorf("pod %s/%s not found", namespace, name)
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Status:     corev1.PodStatus{Phase: phase},
	}, nil
}

func (f *fakePodClient) DeletePod(ctx context.Context, namespace, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.phases, namespace+"/"+name)
	return nil
}

func (f *fakePodClient) WaitForPodRunning(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[namespace+"/"+name] = corev1.PodRunning
	return nil
}

func (f *fakePodClient) GetPodLogs(ctx context.Context, namespace, podName string, tailLines *int64) (string, error) {
	return f.logs, nil
}

func (f *fakePodClient) StreamPodLogs(ctx context.Context, namespace, podName string, tailLines *int64, follow bool) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakePodClient) ListPods(ctx context.Context, namespace string, labelSelector string) (*corev1.PodList, error) {
	return &corev1.PodList{}, nil
}

var _ storage.Provider = (*fakeObjectStore)(nil)

type storedObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// fakeObjectStore keeps buckets and objects in memory.
type fakeObjectStore struct {
	mu      sync.Mutex
	counter int
	objects map[string]map[string]storedObject
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string]map[string]storedObject)}
}

func (f *fakeObjectStore) Name() string { return "gcs" }

func (f *fakeObjectStore) CreateBucket(ctx context.Context, userID, storageClass string) (*models.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	name := fmt.Sprintf("cmb-orion-%08d", f.counter)
	f.objects[name] = make(map[string]storedObject)
	return &models.Bucket{Name: name, UserID: userID, Provider: "gcs", CreatedAt: time.Now().UTC()}, nil
}

func (f *fakeObjectStore) DeleteBucket(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, name)
	return nil
}

func (f *fakeObjectStore) FuseVolumeSpec(bucketName, mountPath string) storage.VolumeSpec {
	return storage.VolumeSpec{
		Driver:           "gcsfuse.csi.storage.gke.io",
		VolumeAttributes: map[string]string{"bucketName": bucketName},
	}
}

func (f *fakeObjectStore) EnsureBucketPermissions(ctx context.Context, bucketName string, identity storage.Identity) error {
	return nil
}

func (f *fakeObjectStore) PodAnnotations() map[string]string {
	return map[string]string{"gke-gcsfuse/volumes": "true"}
}

func (f *fakeObjectStore) RuntimeIdentity() storage.Identity {
	return storage.Identity{ServiceAccountEmail: "workspace@cmb-research.iam.gserviceaccount.com"}
}

func (f *fakeObjectStore) UploadObject(ctx context.Context, bucketName, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, ok := f.objects[bucketName]
	if !ok {
		return fmt.Errorf("bucket %s not found", bucketName)
	}
	bucket[key] = storedObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

func (f *fakeObjectStore) DownloadObject(ctx context.Context, bucketName, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucketName][key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (f *fakeObjectStore) ListObjects(ctx context.Context, bucketName, prefix string) ([]models.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Object
	for key, obj := range f.objects[bucketName] {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, models.Object{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified})
	}
	return out, nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, bucketName, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects[bucketName], key)
	return nil
}

func (f *fakeObjectStore) GetObjectInfo(ctx context.Context, bucketName, key string) (*models.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucketName][key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return &models.Object{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified}, nil
}

type testAPI struct {
	server    *httptest.Server
	manager   *lifecycle.Manager
	k8sClient *fakePodClient
	storage   *fakeObjectStore
	db        *database.DB

	adminToken string
	userToken  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	cfg := &config.Config{}
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Kubernetes.Namespace = "cmbcluster"
	cfg.Kubernetes.ServiceAccount = "cmbcluster-workspace"
	cfg.Kubernetes.DefaultImage = "cmbagents/cmbcluster-workspace:latest"
	cfg.Kubernetes.PodPrefix = "cmbcluster-"
	cfg.Storage.MountPath = "/workspace"
	cfg.Storage.DefaultClass = "STANDARD"
	cfg.Resources.DefaultCPULimit = "2000m"
	cfg.Resources.DefaultMemoryLimit = "4Gi"
	cfg.Resources.MaxUserPods = 1
	cfg.Lifecycle.PartialFailurePolicy = config.PartialFailureRetain
	cfg.Lifecycle.StartupTimeout = 2
	cfg.Auth.SessionSecret = "test-secret"
	cfg.Auth.SessionExpiry = "1h"

	db, err := database.NewDB(cfg.Database.DSN, cfg.Database.Path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := &logger.Logger{Logger: zap.NewNop()}
	k8sClient := newFakePodClient()
	objectStore := newFakeObjectStore()

	provider := &stubIdentityProvider{identities: map[string]*auth.Identity{
		"idp-admin": {Subject: "sub-admin", Email: "admin@example.edu", EmailVerified: true, DisplayName: "Admin"},
		"idp-user":  {Subject: "sub-user", Email: "user@example.edu", EmailVerified: true, DisplayName: "User"},
	}}

	userService := users.NewService(db, log.Logger)
	authService, err := auth.NewService(userService, provider, cfg, log)
	require.NoError(t, err)

	manager := lifecycle.NewManager(cfg, db, k8sClient, objectStore, log)
	val := validator.New(16000, 64*1024*1024*1024)

	handler := NewHandler(manager, objectStore, k8sClient, val, log)
	authHandler := NewAuthHandler(authService, log)
	router := NewRouter(handler, authHandler, authService)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	ctx := context.Background()
	// The first exchanged identity is promoted to admin.
	adminResp, err := authService.ExchangeToken(ctx, "idp-admin")
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, adminResp.User.Role)
	userResp, err := authService.ExchangeToken(ctx, "idp-user")
	require.NoError(t, err)
	require.Equal(t, models.RoleUser, userResp.User.Role)

	return &testAPI{
		server:     server,
		manager:    manager,
		k8sClient:  k8sClient,
		storage:    objectStore,
		db:         db,
		adminToken: adminResp.Token,
		userToken:  userResp.Token,
	}
}

func (a *testAPI) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, "GET", "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Kubernetes.Connected)
	assert.Equal(t, "v1.28.0", health.Kubernetes.Version)
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, "GET", "/api/v1/environments", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(t, "GET", "/api/v1/environments", "not-a-session-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenExchangeEndpoint(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, "POST", "/api/v1/auth/token", "", `{"id_token":"idp-user"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokenResp models.TokenResponse
	require.NoError(t, json.Unmarshal(body, &tokenResp))
	assert.NotEmpty(t, tokenResp.Token)
	assert.Equal(t, "user@example.edu", tokenResp.User.Email)

	resp, _ = a.do(t, "POST", "/api/v1/auth/token", "", `{"id_token":"forged"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.do(t, "POST", "/api/v1/auth/token", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthConfigEndpoint(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, "GET", "/api/v1/auth/config", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg models.AuthConfigResponse
	require.NoError(t, json.Unmarshal(body, &cfg))
	assert.Equal(t, "stub", cfg.Provider)
	assert.Equal(t, "stub-client", cfg.ClientID)
}

func TestEnvironmentLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, "POST", "/api/v1/environments", a.userToken, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var env models.Environment
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, models.StatusPending, env.Status)
	assert.NotEmpty(t, env.BucketName)
	a.manager.Wait()

	resp, body = a.do(t, "GET", "/api/v1/environments", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.ListEnvironmentsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)

	resp, body = a.do(t, "GET", "/api/v1/environments/"+env.ID, a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Environment
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StatusRunning, got.Status)

	resp, body = a.do(t, "POST", "/api/v1/environments/"+env.ID+"/heartbeat", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb models.HeartbeatResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.Equal(t, env.ID, hb.EnvironmentID)

	resp, body = a.do(t, "GET", "/api/v1/environments/"+env.ID+"/logs", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "workspace ready")

	resp, _ = a.do(t, "DELETE", "/api/v1/environments/"+env.ID, a.userToken, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = a.do(t, "GET", "/api/v1/environments/"+env.ID, a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StatusStopped, got.Status)

	resp, body = a.do(t, "GET", "/api/v1/environments/"+env.ID+"/events", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events models.ListEventsResponse
	require.NoError(t, json.Unmarshal(body, &events))
	assert.GreaterOrEqual(t, events.Total, 3)
}

func TestCreateEnvironmentValidation(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, "POST", "/api/v1/environments", a.userToken,
		`{"resources":{"cpu":"a-lot","memory":"4Gi"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateEnvironmentQuotaConflict(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, "POST", "/api/v1/environments", a.userToken, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a.manager.Wait()

	resp, _ = a.do(t, "POST", "/api/v1/environments", a.userToken, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEnvironmentOwnershipIsolation(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, "POST", "/api/v1/environments", a.userToken, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var env models.Environment
	require.NoError(t, json.Unmarshal(body, &env))
	a.manager.Wait()

	// Admin creates their own; the user's listing must not include it.
	resp, _ = a.do(t, "POST", "/api/v1/environments", a.adminToken, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a.manager.Wait()

	resp, body = a.do(t, "GET", "/api/v1/environments", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.ListEnvironmentsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)

	// Admins see any environment; the other user's id resolves for them.
	resp, _ = a.do(t, "GET", "/api/v1/environments/"+env.ID, a.adminToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.do(t, "GET", "/api/v1/admin/users", a.userToken, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := a.do(t, "GET", "/api/v1/admin/users", a.adminToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var userList struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &userList))
	assert.Equal(t, 2, userList.Total)

	resp, _ = a.do(t, "GET", "/api/v1/admin/environments", a.adminToken, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestObjectEndpoints(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, "POST", "/api/v1/environments", a.userToken, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var env models.Environment
	require.NoError(t, json.Unmarshal(body, &env))
	a.manager.Wait()

	base := "/api/v1/environments/" + env.ID + "/objects/"

	resp, _ = a.do(t, "PUT", base+"results/chains.txt", a.userToken, "chain data")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = a.do(t, "GET", base+"results/chains.txt", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "chain data", string(body))

	resp, body = a.do(t, "GET", base+"results/chains.txt/info", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info models.Object
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "results/chains.txt", info.Key)
	assert.Equal(t, int64(len("chain data")), info.Size)

	resp, body = a.do(t, "GET", "/api/v1/environments/"+env.ID+"/objects?prefix=results/", a.userToken, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.ListObjectsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Total)

	resp, _ = a.do(t, "DELETE", base+"results/chains.txt", a.userToken, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = a.do(t, "GET", base+"results/chains.txt", a.userToken, "")
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
