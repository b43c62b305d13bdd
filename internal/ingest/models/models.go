// Package models provides the normalized entity graph built from runtime analytics payloads.
package models

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/sanitize"
)

// UnidentifiedWorkload is the workload tag of instances whose payload did not name one.
const UnidentifiedWorkload = "Unidentified"

// EapWorkload is the workload tag of every application server instance.
const EapWorkload = "EAP"

// Message is one extracted payload: *Instance, *EapInstance or *UpdateRecord.
type Message interface {
	isMessage()
}

// JarHash identifies one archive seen in a runtime. It is compared by value.
type JarHash struct {
	Name           string `validate:"max=255"`
	GroupID        string `validate:"max=255"`
	Vendor         string `validate:"max=255"`
	Version        string `validate:"max=255"`
	Sha1Checksum   string `validate:"max=255"`
	Sha256Checksum string `validate:"max=255"`
	Sha512Checksum string `validate:"max=255"`
}

// JarSet is a set of jar hashes. Adding an identical JarHash twice is a no-op.
type JarSet = mapset.Set[JarHash]

// NewJarSet returns a JarSet holding jars.
func NewJarSet(jars ...JarHash) JarSet {
	return mapset.NewThreadUnsafeSet(jars...)
}

// Instance is a snapshot of a single running JVM.
type Instance struct {
	// ID is assigned by storage.
	ID uuid.UUID

	LinkingHash string `validate:"required,max=255"`
	AccountID   string `validate:"max=50"`
	OrgID       string `validate:"max=50"`
	Hostname    string `validate:"max=50"`

	// LaunchTime is the report time in epoch milliseconds.
	LaunchTime    int64
	Vendor        string `validate:"max=255"`
	VersionString string `validate:"max=255"`
	Version       string `validate:"max=255"`
	MajorVersion  int
	OsArch        string `validate:"max=50"`
	Processors    int
	HeapMin       int
	HeapMax       int

	// Details is the raw basic section.
	Details map[string]any
	Created time.Time

	JarHashes JarSet

	JavaClassVersion        string `validate:"max=255"`
	JavaSpecificationVendor string `validate:"max=255"`
	JavaVendor              string `validate:"max=255"`
	JavaVendorVersion       string `validate:"max=255"`
	JavaVMName              string `validate:"max=255"`
	JavaVMVendor            string `validate:"max=255"`
	JvmHeapGcDetails        string `validate:"max=255"`
	JvmPid                  string `validate:"max=255"`
	JvmReportTime           string `validate:"max=255"`
	SystemOsName            string `validate:"max=255"`
	SystemOsVersion         string `validate:"max=255"`

	JavaHome        string
	JavaLibraryPath string
	JavaCommand     string
	JavaClassPath   string
	JvmPackages     string
	JvmArgs         string

	Workload string `validate:"max=255"`
	Ocp      bool
}

func (*Instance) isMessage() {}

// Sanitize redacts -Dkey=value values from the command line and the JVM arguments.
func (i *Instance) Sanitize() {
	i.JavaCommand = sanitize.JavaParameters(i.JavaCommand)
	i.JvmArgs = sanitize.JavaParameters(i.JvmArgs)
}

// EapInstance is a snapshot of a JBoss EAP application server. It carries every JVM field.
type EapInstance struct {
	Instance

	Modules       JarSet
	Configuration *EapConfiguration `validate:"required"`
	Deployments   []EapDeployment   `validate:"dive"`

	AppClientException    string `validate:"max=255"`
	AppName               string `validate:"max=255"`
	AppTransportCertHTTPS string `validate:"max=255"`
	AppTransportTypeFile  string `validate:"max=255"`
	AppTransportTypeHTTPS string `validate:"max=255"`
	AppUserDir            string `validate:"max=255"`
	AppUserName           string `validate:"max=255"`
	EapVersion            string `validate:"max=255"`

	EapXp            bool
	EapYamlExtension bool
	EapBootableJar   bool
	EapUseGit        bool

	// Raw is the whole payload as received.
	Raw string
}

func (*EapInstance) isMessage() {}

// EapConfiguration is the configuration of an application server.
type EapConfiguration struct {
	Version                   string `validate:"max=255"`
	LaunchType                string `validate:"max=255"`
	Name                      string `validate:"max=255"`
	Organization              string `validate:"max=255"`
	ProcessType               string `validate:"max=255"`
	ProductName               string `validate:"max=255"`
	ProductVersion            string `validate:"max=255"`
	ProfileName               string `validate:"max=255"`
	ReleaseCodename           string `validate:"max=255"`
	ReleaseVersion            string `validate:"max=255"`
	RunningMode               string `validate:"max=255"`
	RuntimeConfigurationState string `validate:"max=255"`
	ServerState               string `validate:"max=255"`
	SuspendState              string `validate:"max=255"`

	// Extensions are sorted by module.
	Extensions []EapExtension `validate:"dive"`

	// JSON documents kept as is.
	SocketBindingGroups string
	Paths               string
	Interfaces          string
	CoreServices        string

	// Subsystems and Deployments map a name to its JSON document.
	Subsystems  map[string]string
	Deployments map[string]string
}

// EapExtension is a server extension module and the subsystems it provides.
type EapExtension struct {
	Module string `validate:"max=255"`
	// Subsystems are sorted by name.
	Subsystems []NameVersionPair `validate:"dive"`
}

// NameVersionPair is a subsystem name and its major.minor.micro management version.
type NameVersionPair struct {
	Name    string `validate:"max=255"`
	Version string `validate:"max=255"`
}

// EapDeployment is an application deployed on a server and its archives.
type EapDeployment struct {
	Name     string `validate:"max=255"`
	Archives JarSet
}

// UpdateRecord lists jars a runtime loaded after its full snapshot was sent.
// It is never stored as is.
type UpdateRecord struct {
	LinkingHash string `validate:"required,max=255"`
	Jars        []JarHash
}

func (*UpdateRecord) isMessage() {}
