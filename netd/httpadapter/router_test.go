package httpadapter_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvenet/pve-network-go/netd/httpadapter"
)

func TestRouter_DispatchesByPathVariable(t *testing.T) {
	router := httpadapter.NewRouter()

	var gotNode string
	router.Register(httpadapter.Endpoint{
		Path: "/nodes/{node}/network",
		Methods: map[string]http.HandlerFunc{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
				vars, err := httpadapter.Vars(r)
				require.NoError(t, err)
				gotNode = vars["node"]
				w.WriteHeader(http.StatusOK)
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/nodes/node1/network", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "node1", gotNode)
}

func TestRouter_MethodMismatchIsNotFound(t *testing.T) {
	router := httpadapter.NewRouter()
	router.Register(httpadapter.Endpoint{
		Path: "/sdn/zones/{zone}",
		Methods: map[string]http.HandlerFunc{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/sdn/zones/zone1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_UnescapesPathVariables(t *testing.T) {
	router := httpadapter.NewRouter()

	var gotIface string
	router.Handle(http.MethodGet, "/nodes/{node}/interfaces/{iface}", func(w http.ResponseWriter, r *http.Request) {
		vars, err := httpadapter.Vars(r)
		require.NoError(t, err)
		gotIface = vars["iface"]
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/nodes/node1/interfaces/vmbr0%2F10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vmbr0/10", gotIface)
}
