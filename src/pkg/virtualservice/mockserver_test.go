package virtualservice

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/gh-nvat/virtest/src/pkg/config"
	"github.com/gh-nvat/virtest/src/pkg/mockserver"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func paymentsEntry() config.ServiceEntry {
	return config.ServiceEntry{
		Name:             "payments",
		ServiceComponent: &config.ServiceComponent{Name: "payments"},
		VirtualService: &config.VirtualService{
			Enabled:  boolPtr(true),
			Port:     intPtr(9001),
			Protocol: config.PROTOCOL_GRPC,
			Grpc: &config.GrpcConfig{
				ProtofilePath:    "payments.proto",
				ProtoServiceName: "payments.PaymentService",
			},
			Proxy: &config.ProxyConfig{ServiceName: "payments-real", AutoCreate: true},
		},
	}
}

func inventoryEntry() config.ServiceEntry {
	return config.ServiceEntry{
		Name:             "inventory",
		ServiceComponent: &config.ServiceComponent{Name: "inventory"},
		VirtualService: &config.VirtualService{
			Enabled: boolPtr(true),
			Port:    intPtr(9002),
			Path:    "inventory.json",
		},
	}
}

func TestSynthesizeAndGenerate_SharedMockServer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payments.proto"), []byte("syntax = \"proto3\";\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory.json"),
		[]byte(`{"protocol": "http", "port": 9002, "stubs": []}`), 0644))

	tests := []struct {
		name      string
		services  config.Services
		wantPorts []float64
	}{
		{
			name:      "two services",
			services:  config.Services{ordersEntry(), paymentsEntry()},
			wantPorts: []float64{9000, 9001},
		},
		{
			name:      "three services",
			services:  config.Services{ordersEntry(), paymentsEntry(), inventoryEntry()},
			wantPorts: []float64{9000, 9001, 9002},
		},
		{
			name:      "declaration order kept",
			services:  config.Services{inventoryEntry(), ordersEntry(), paymentsEntry()},
			wantPorts: []float64{9002, 9000, 9001},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := baseIndex()
			index.Put(deployment("inventory"))
			index.Put(service("inventory", map[string]interface{}{"port": int64(80), "targetPort": int64(8081)}))
			deployments := index.Count(KIND_DEPLOYMENT)

			result, err := NewSynthesizer().Synthesize(index, tt.services)
			require.NoError(t, err)

			out, err := mockserver.NewGenerator(dir).Generate(index, tt.services, result.BackendPorts)
			require.NoError(t, err)
			require.Equal(t, len(tt.services), out.Imposters)

			// one mock server no matter how many services it fronts
			require.Equal(t, deployments+1, index.Count(KIND_DEPLOYMENT))
			require.True(t, index.Has(KIND_DEPLOYMENT, mockserver.MOCK_SERVER_NAME))
			require.Equal(t, 1, index.Count("ConfigMap"))

			var doc mockserver.Document
			require.NoError(t, json.Unmarshal(out.Config, &doc))
			var gotPorts []float64
			for _, raw := range doc.Imposters {
				var imposter map[string]interface{}
				require.NoError(t, json.Unmarshal(raw, &imposter))
				gotPorts = append(gotPorts, imposter["port"].(float64))
			}
			if diff := cmp.Diff(tt.wantPorts, gotPorts); diff != "" {
				t.Errorf("imposter ports mismatch (-want +got):\n%s", diff)
			}

			for _, entry := range tt.services {
				svc, ok := index.Get(KIND_SERVICE, entry.ServiceComponent.Name)
				require.True(t, ok)
				list := ports(t, svc)
				require.Len(t, list, 1)
				require.Equal(t, int64(entry.VirtualService.PortValue()), list[0].(map[string]interface{})["targetPort"],
					"service %s", entry.Name)
			}

			cm, _ := index.Get("ConfigMap", mockserver.MOCK_SERVER_NAME)
			data, _, err := unstructured.NestedStringMap(cm.Object, "data")
			require.NoError(t, err)
			var keys []string
			for k := range data {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			require.Equal(t, []string{mockserver.CONFIG_FILE_KEY, mockserver.ProtoFileName("payments")}, keys)
		})
	}
}
