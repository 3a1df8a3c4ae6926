package mockserver

const (
	// MOCK_SERVER_NAME is the reserved name of the mock server Deployment and ConfigMap
	MOCK_SERVER_NAME = "mountebank"

	MOCK_SERVER_SELECTOR_KEY   = "app.kubernetes.io/name"
	MOCK_SERVER_SELECTOR_VALUE = MOCK_SERVER_NAME
	MOCK_SERVER_LABEL_SELECTOR = MOCK_SERVER_SELECTOR_KEY + "=" + MOCK_SERVER_SELECTOR_VALUE

	// MOCK_SERVER_ADMIN_PORT is the mountebank REST API port
	MOCK_SERVER_ADMIN_PORT = 2525

	CONFIG_FILE_KEY   = "mbconfig.json"
	PROTO_INCLUDE_DIR = "/app/virtest"

	PROXY_MODE_ALWAYS = "proxyAlways"
)

// ProtoFileName returns the ConfigMap key holding the proto file of a service entry.
func ProtoFileName(service string) string {
	return service + ".proto"
}
