package extract

import (
	"time"

	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"
)

// Origin holds the announcement fields applied to every full record.
type Origin struct {
	AccountID string
	OrgID     string
	// Created is the announcement timestamp.
	Created time.Time
}

// Extract converts a classified document into its record.
// Full records are sanitized before being returned.
func Extract(doc Document, origin Origin) (models.Message, error) {
	switch doc.Kind {
	case KindJvm:
		return Jvm(doc, origin)
	case KindEap:
		return Eap(doc, origin)
	case KindUpdate:
		return Update(doc)
	default:
		return nil, decodeErrorf("unknown record kind %d", doc.Kind)
	}
}

// Jvm builds a JVM instance from a classified document.
func Jvm(doc Document, origin Origin) (*models.Instance, error) {
	if doc.Basic == nil {
		return nil, decodeErrorf("missing required section: basic")
	}

	inst := &models.Instance{
		AccountID: origin.AccountID,
		OrgID:     origin.OrgID,
		Created:   origin.Created.UTC(),
		Workload:  models.UnidentifiedWorkload,
	}
	if err := mapJvmValues(inst, doc.Root, doc.Basic); err != nil {
		return nil, err
	}

	jars, err := section(doc.Root, "jars")
	if err != nil {
		return nil, err
	}
	if inst.JarHashes, err = jarSetOf(jars); err != nil {
		return nil, err
	}

	details, err := section(doc.Root, "details")
	if err != nil {
		return nil, err
	}
	if details != nil {
		if w, ok := details["workloadType"]; ok && w != nil {
			inst.Workload = Stringify(w)
		}
		// Early agents did not send is_ocp and only ran on OpenShift.
		inst.Ocp = true
		if v, ok := details["is_ocp"]; ok {
			inst.Ocp = parseBool(v)
		}
	}

	inst.Sanitize()
	return inst, nil
}

// mapJvmValues copies the basic section into inst. Text fields never fail while numeric fields
// must hold numbers.
func mapJvmValues(inst *models.Instance, root, basic map[string]any) (err error) {
	if inst.LinkingHash, err = linkingHash(root); err != nil {
		return err
	}

	str := func(key string) string { return Stringify(basic[key]) }

	inst.VersionString = str("java.runtime.version")
	inst.Version = str("java.version")
	inst.Vendor = str("java.vm.specification.vendor")

	if inst.MajorVersion, err = NormalizeMajorVersion(str("java.vm.specification.version")); err != nil {
		return err
	}
	if inst.HeapMin, err = parseTruncatedFloat(str("jvm.heap.min")); err != nil {
		return err
	}
	if inst.HeapMax, err = parseTruncatedFloat(str("jvm.heap.max")); err != nil {
		return err
	}
	if inst.LaunchTime, err = parseInt64(str("jvm.report_time")); err != nil {
		return err
	}
	if inst.Processors, err = parseInt(str("system.cores.logical")); err != nil {
		return err
	}

	inst.OsArch = str("system.arch")
	inst.Hostname = str("system.hostname")

	inst.JavaClassPath = str("java.class.path")
	inst.JavaClassVersion = str("java.class.version")
	inst.JavaCommand = str("java.command")
	inst.JavaHome = str("java.home")
	inst.JavaLibraryPath = str("java.library.path")
	inst.JavaVendor = str("java.vendor")
	inst.JavaSpecificationVendor = str("java.specification.vendor")
	inst.JavaVendorVersion = str("java.vendor.version")
	inst.JavaVMName = str("java.vm.name")
	inst.JavaVMVendor = str("java.vm.vendor")
	inst.JvmHeapGcDetails = str("jvm.heap.gc.details")
	inst.JvmPid = str("jvm.pid")
	inst.JvmReportTime = str("jvm.report_time")
	inst.JvmPackages = str("jvm.packages")
	inst.JvmArgs = str("jvm.args")
	inst.SystemOsName = str("system.os.name")
	inst.SystemOsVersion = str("system.os.version")

	inst.Details = basic
	return nil
}

// linkingHash returns the top level idHash. It is empty when absent.
func linkingHash(m map[string]any) (string, error) {
	v, ok := m["idHash"]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", decodeErrorf("idHash is not a string")
	}
	return s, nil
}
