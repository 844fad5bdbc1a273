package httpapi

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sensor-service/internal/ingest"
	"sensor-service/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const kitchenPayload = `{"deviceName":"kitchen-1","deviceType":"esp32-dht11","location":"Kitchen","temperature":72.5,"humidity":40}`

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(repo, &ingest.Ingestor{Repo: repo}, opts)
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	return rw
}

func decodeBody(t *testing.T, rw *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), v), "body=%s", rw.Body.String())
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rw := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rw.Code)
	var resp map[string]any
	decodeBody(t, rw, &resp)
	assert.Equal(t, true, resp["ok"])
}

func TestIngestSavesReading(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rw := do(t, h, http.MethodPost, "/api/sensors/esp32", kitchenPayload)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	var resp struct {
		Success bool           `json:"success"`
		Message string         `json:"message"`
		Device  map[string]any `json:"device"`
		Reading map[string]any `json:"reading"`
	}
	decodeBody(t, rw, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "Sensor data saved successfully", resp.Message)
	assert.Equal(t, "kitchen-1", resp.Device["name"])
	assert.Equal(t, "Kitchen", resp.Device["location"])
	assert.Equal(t, 72.5, resp.Reading["temperature"])
	assert.Contains(t, resp.Reading, "pressure")
	assert.Nil(t, resp.Reading["pressure"])
	assert.NotEmpty(t, resp.Reading["timestamp"])
}

func TestIngestMissingFields(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rw := do(t, h, http.MethodPost, "/api/sensors/esp32", `{"deviceName":"kitchen-1","temperature":70}`)
	require.Equal(t, http.StatusBadRequest, rw.Code)

	var resp map[string]any
	decodeBody(t, rw, &resp)
	assert.Equal(t, "Missing required fields: deviceType, location", resp["error"])
	assert.Equal(t, []any{"deviceType", "location"}, resp["missing"])

	list := do(t, h, http.MethodGet, "/api/devices", "")
	var devices []any
	decodeBody(t, list, &devices)
	assert.Empty(t, devices)
}

func TestIngestRejectsNonObjectBody(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	for _, body := range []string{`not json`, `[1,2]`, `null`} {
		rw := do(t, h, http.MethodPost, "/api/sensors/esp32", body)
		assert.Equal(t, http.StatusBadRequest, rw.Code, body)
	}
}

func TestIngestBodyTooLarge(t *testing.T) {
	h := newTestServer(t, Options{MaxBodyBytes: 64}).Handler()
	rw := do(t, h, http.MethodPost, "/api/sensors/esp32", kitchenPayload+strings.Repeat(" ", 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rw.Code)
}

func TestIngestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rw := do(t, h, method, "/api/sensors/esp32", "")
		require.Equal(t, http.StatusMethodNotAllowed, rw.Code, method)
		var resp map[string]any
		decodeBody(t, rw, &resp)
		assert.Equal(t, "Method not allowed", resp["error"])
	}
}

func TestIngestWrongTypeStillSucceeds(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rw := do(t, h, http.MethodPost, "/api/sensors/esp32",
		`{"deviceName":"porch-1","deviceType":"esp32","location":"Porch","temperature":"hot"}`)
	require.Equal(t, http.StatusOK, rw.Code)
	var resp struct {
		Reading map[string]any `json:"reading"`
	}
	decodeBody(t, rw, &resp)
	assert.Nil(t, resp.Reading["temperature"])
}

func TestDeviceListingRoundTrip(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/sensors/esp32", kitchenPayload).Code)

	rw := do(t, h, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rw.Code)
	var devices []map[string]any
	decodeBody(t, rw, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, "Auto-registered esp32-dht11 device in Kitchen", devices[0]["description"])

	readings, ok := devices[0]["readings"].([]any)
	require.True(t, ok)
	require.Len(t, readings, 1)
	rd := readings[0].(map[string]any)
	assert.Equal(t, 72.5, rd["temperature"])
	assert.Equal(t, 40.0, rd["humidity"])
	for _, k := range []string{"pressure", "motion", "light"} {
		v, present := rd[k]
		assert.True(t, present, k)
		assert.Nil(t, v, k)
	}
	assert.NotContains(t, rd, "payload")
}

func TestConcurrentIngestSameDevice(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	body := `{"deviceName":"porch-1","deviceType":"esp32","location":"Porch","light":12}`

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = do(t, h, http.MethodPost, "/api/sensors/esp32", body).Code
		}(i)
	}
	wg.Wait()
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)

	var devices []map[string]any
	decodeBody(t, do(t, h, http.MethodGet, "/api/devices", ""), &devices)
	assert.Len(t, devices, 1)
}

func ingestDevice(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	rw := do(t, h, http.MethodPost, "/api/sensors/esp32", body)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	var resp struct {
		Device struct {
			ID string `json:"id"`
		} `json:"device"`
	}
	decodeBody(t, rw, &resp)
	return resp.Device.ID
}

func TestDeviceGet(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	id := ingestDevice(t, h, kitchenPayload)

	rw := do(t, h, http.MethodGet, "/api/devices/"+id, "")
	require.Equal(t, http.StatusOK, rw.Code)
	var dev map[string]any
	decodeBody(t, rw, &dev)
	assert.Equal(t, "kitchen-1", dev["name"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/devices/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/devices/not-a-uuid", "").Code)
}

func TestAppendReading(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	id := ingestDevice(t, h, kitchenPayload)

	rw := do(t, h, http.MethodPost, "/api/devices/"+id+"/readings", `{"pressure":1012.5,"motion":true}`)
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	var resp struct {
		Reading map[string]any `json:"reading"`
	}
	decodeBody(t, rw, &resp)
	assert.Equal(t, 1012.5, resp.Reading["pressure"])
	assert.Equal(t, true, resp.Reading["motion"])

	missing := do(t, h, http.MethodPost, "/api/devices/"+uuid.NewString()+"/readings", `{"pressure":1}`)
	require.Equal(t, http.StatusNotFound, missing.Code)
	var errResp map[string]any
	decodeBody(t, missing, &errResp)
	assert.Equal(t, "device not found", errResp["error"])
}

func TestReadingsPagination(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	id := ingestDevice(t, h, kitchenPayload)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/devices/"+id+"/readings", `{"light":5}`).Code)
	}

	var page readingsResponse
	rw := do(t, h, http.MethodGet, "/api/devices/"+id+"/readings?limit=2&order=desc", "")
	require.Equal(t, http.StatusOK, rw.Code)
	decodeBody(t, rw, &page)
	require.Len(t, page.Readings, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.True(t, page.Readings[0].CreatedAt.After(page.Readings[1].CreatedAt))

	var next readingsResponse
	rw = do(t, h, http.MethodGet, "/api/devices/"+id+"/readings?limit=2&order=desc&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, rw.Code)
	decodeBody(t, rw, &next)
	require.Len(t, next.Readings, 1)
	assert.Empty(t, next.NextCursor)
	require.NotNil(t, next.Readings[0].Temperature)
	assert.Equal(t, 72.5, *next.Readings[0].Temperature)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/devices/"+id+"/readings?cursor=not-base64!", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/devices/"+id+"/readings?from=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/devices/"+id+"/readings?limit=-1", "").Code)
}

func TestStats(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	id := ingestDevice(t, h, `{"deviceName":"porch-1","deviceType":"esp32","location":"Porch","temperature":70}`)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/devices/"+id+"/readings", `{"temperature":72}`).Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/devices/"+id+"/readings", `{"temperature":null,"humidity":30}`).Code)

	rw := do(t, h, http.MethodGet, "/api/devices/"+id+"/stats?window=1h", "")
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	var st store.Stats
	decodeBody(t, rw, &st)
	assert.Equal(t, int64(3), st.Count)
	require.NotNil(t, st.Temperature.Avg)
	assert.Equal(t, 70.0, *st.Temperature.Min)
	assert.Equal(t, 72.0, *st.Temperature.Max)
	assert.Equal(t, 71.0, *st.Temperature.Avg)
	assert.Equal(t, "1h0m0s", st.Window)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/devices/"+id+"/stats?window=forever", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/devices/"+uuid.NewString()+"/stats", "").Code)
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rw := do(t, h, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, "application/json", rw.Header().Get("Content-Type"))
}

func TestReadAPIsRequireTokenWhenKeyConfigured(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	h := newTestServer(t, Options{AuthKey: &key.PublicKey}).Handler()

	// Ingestion stays open.
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/sensors/esp32", kitchenPayload).Code)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/devices", "").Code)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "dashboard",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(key)
	require.NoError(t, err)
	rw := do(t, h, http.MethodGet, "/api/devices", "", "Authorization", "Bearer "+tok)
	require.Equal(t, http.StatusOK, rw.Code)
	var devices []any
	decodeBody(t, rw, &devices)
	assert.Len(t, devices, 1)
}
