package cfapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTunnel(t *testing.T) {
	tunnelID := uuid.New()
	var gotPath string
	var gotBody map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		payload, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(payload, &gotBody))
		fmt.Fprintf(w,
			`{"success": true, "errors": [], "messages": [], "result": {"id": "%s", "name": "tuinnel-api", "created_at": "2024-05-01T12:00:00Z", "deleted_at": "0001-01-01T00:00:00Z"}}`,
			tunnelID)
	}))

	tunnel, err := client.CreateTunnel(context.Background(), "acct123", "tuinnel-api")
	require.NoError(t, err)

	assert.Equal(t, "/accounts/acct123/cfd_tunnel", gotPath)
	assert.Equal(t, map[string]string{"name": "tuinnel-api", "config_src": "cloudflare"}, gotBody)
	assert.Equal(t, tunnelID, tunnel.ID)
	assert.Equal(t, "tuinnel-api", tunnel.Name)
}

func TestCreateTunnelRejectsBadNames(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	_, err := client.CreateTunnel(context.Background(), "acct123", "")
	assert.Error(t, err)

	_, err = client.CreateTunnel(context.Background(), "acct123", uuid.NewString())
	assert.Error(t, err)
}

func TestGetTunnelToken(t *testing.T) {
	tunnelID := uuid.New()
	var gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"success": true, "errors": [], "messages": [], "result": "eyJhIjoiYiJ9"}`)
	}))

	token, err := client.GetTunnelToken(context.Background(), "acct123", tunnelID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("/accounts/acct123/cfd_tunnel/%s/token", tunnelID), gotPath)
	assert.Equal(t, "eyJhIjoiYiJ9", token)
}

func TestListTunnelsAppliesFilter(t *testing.T) {
	var gotQuery map[string][]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, `{"success": true, "errors": [], "messages": [], "result": []}`)
	}))

	filter := NewTunnelFilter()
	filter.ByName("tuinnel-api")
	filter.NoDeleted()
	tunnels, err := client.ListTunnels(context.Background(), "acct123", filter)
	require.NoError(t, err)

	assert.Empty(t, tunnels)
	assert.Equal(t, []string{"tuinnel-api"}, gotQuery["name"])
	assert.Equal(t, []string{"false"}, gotQuery["is_deleted"])
	assert.Equal(t, []string{"50"}, gotQuery["per_page"])
}

func TestDeleteTunnelCascades(t *testing.T) {
	tunnelID := uuid.New()
	var gotMethod, gotQuery string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, okEnvelope)
	}))

	require.NoError(t, client.DeleteTunnel(context.Background(), "acct123", tunnelID, true))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "cascade=true", gotQuery)

	require.NoError(t, client.DeleteTunnel(context.Background(), "acct123", tunnelID, false))
	assert.Empty(t, gotQuery)
}

func TestUpdateTunnelConfiguration(t *testing.T) {
	tunnelID := uuid.New()
	var gotMethod, gotPath, gotBody string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		payload, _ := io.ReadAll(r.Body)
		gotBody = string(payload)
		fmt.Fprint(w, okEnvelope)
	}))

	config := TunnelConfiguration{
		Ingress: []IngressRule{
			{
				Hostname: "api.example.com",
				Service:  "https://127.0.0.1:8443",
				OriginRequest: &OriginRequest{
					HTTPHostHeader: "localhost:8443",
					NoTLSVerify:    true,
				},
			},
			{Service: "http_status:404"},
		},
	}
	err := client.UpdateTunnelConfiguration(context.Background(), "acct123", tunnelID, config)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, fmt.Sprintf("/accounts/acct123/cfd_tunnel/%s/configurations", tunnelID), gotPath)
	assert.JSONEq(t, `{
		"config": {
			"ingress": [
				{
					"hostname": "api.example.com",
					"service": "https://127.0.0.1:8443",
					"originRequest": {"httpHostHeader": "localhost:8443", "noTLSVerify": true}
				},
				{"service": "http_status:404"}
			]
		}
	}`, gotBody)
}

func TestTunnelDNSTarget(t *testing.T) {
	tunnelID := uuid.MustParse("6a1560a4-1e3b-4d12-a2d0-57e6f37ffb4f")
	assert.Equal(t, "6a1560a4-1e3b-4d12-a2d0-57e6f37ffb4f.cfargotunnel.com", TunnelDNSTarget(tunnelID))
}
