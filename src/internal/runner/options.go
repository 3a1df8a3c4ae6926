package runner

const (
	DEFAULT_WORK_DIR = ".virtest"

	MANIFEST_FILE_NAME    = "manifest.yaml"
	MOCK_CONFIG_FILE_NAME = "mbconfig.json"
	REPORT_FILE_NAME      = "reconcile-report.md"
)

const (
	OPERATION_APPLY  = "apply"
	OPERATION_DELETE = "delete"
)

type Options struct {
	// Config file path, relative to BaseDir unless absolute
	ConfigPath string

	// BaseDir resolves relative paths in the options and the config file.
	// Empty means the working directory.
	BaseDir string

	// WorkDir receives the persisted manifests, mock server config and reports
	WorkDir string

	// proxy-result options
	LocalPort int
	OutputDir string
}
