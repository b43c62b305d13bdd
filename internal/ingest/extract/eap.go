package extract

import (
	"maps"
	"slices"

	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"
)

// Eap builds an application server instance from a classified document.
// The JVM fields are mapped first, then the server sections are layered on top.
func Eap(doc Document, origin Origin) (*models.EapInstance, error) {
	if doc.Basic == nil {
		return nil, decodeErrorf("missing required section: basic")
	}
	if doc.Eap == nil {
		return nil, decodeErrorf("EapInstance without an eap definition")
	}

	inst := &models.EapInstance{Raw: doc.Raw}
	inst.AccountID = origin.AccountID
	inst.OrgID = origin.OrgID
	inst.Created = origin.Created.UTC()

	basic := doc.Basic
	if err := mapJvmValues(&inst.Instance, doc.Root, basic); err != nil {
		return nil, err
	}

	str := func(key string) string { return Stringify(basic[key]) }
	inst.AppClientException = str("app.client.exception")
	inst.AppName = str("app.name")
	inst.AppTransportCertHTTPS = str("app.transport.cert.https")
	inst.AppTransportTypeFile = str("app.transport.type.file")
	inst.AppTransportTypeHTTPS = str("app.transport.type.https")
	inst.AppUserDir = str("app.user.dir")
	inst.AppUserName = str("app.user.name")
	inst.Workload = models.EapWorkload
	if v, ok := basic["is_ocp"]; ok {
		inst.Ocp = parseBool(v)
	}

	jars, err := section(doc.Root, "jars")
	if err != nil {
		return nil, err
	}
	if inst.JarHashes, err = jarSetOf(jars); err != nil {
		return nil, err
	}

	eap := doc.Eap
	inst.EapVersion = Stringify(eap["eap-version"])

	install, err := section(eap, "eap-installation")
	if err != nil {
		return nil, err
	}
	if install != nil {
		inst.EapXp = parseBool(install["eap-xp"])
		inst.EapYamlExtension = parseBool(install["yaml-extension"])
		inst.EapBootableJar = parseBool(install["bootable-jar"])
		inst.EapUseGit = parseBool(install["use-git"])
	}

	modules, err := section(eap, "eap-modules")
	if err != nil {
		return nil, err
	}
	if inst.Modules, err = jarSetOf(modules); err != nil {
		return nil, err
	}

	configRep, err := section(eap, "eap-configuration")
	if err != nil {
		return nil, err
	}
	if inst.Configuration, err = eapConfigurationOf(configRep); err != nil {
		return nil, err
	}

	deploymentsRep, err := section(eap, "eap-deployments")
	if err != nil {
		return nil, err
	}
	if inst.Deployments, err = eapDeploymentsOf(deploymentsRep); err != nil {
		return nil, err
	}

	inst.Sanitize()
	return inst, nil
}

func eapConfigurationOf(rep map[string]any) (*models.EapConfiguration, error) {
	if rep == nil {
		return nil, decodeErrorf("EapInstance without an eap-configuration")
	}
	c, err := section(rep, "configuration")
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, decodeErrorf("eap-configuration without a configuration")
	}

	str := func(key string) string { return Stringify(c[key]) }
	config := &models.EapConfiguration{
		Version:                   Stringify(rep["version"]),
		LaunchType:                str("launch-type"),
		Name:                      str("name"),
		Organization:              str("organization"),
		ProcessType:               str("process-type"),
		ProductName:               str("product-name"),
		ProductVersion:            str("product-version"),
		ProfileName:               str("profile-name"),
		ReleaseCodename:           str("release-codename"),
		ReleaseVersion:            str("release-version"),
		RunningMode:               str("running-mode"),
		RuntimeConfigurationState: str("runtime-configuration-state"),
		ServerState:               str("server-state"),
		SuspendState:              str("suspend-state"),

		SocketBindingGroups: toJSON(c["socket-binding-group"]),
		Paths:               toJSON(c["path"]),
		Interfaces:          toJSON(c["interface"]),
		CoreServices:        toJSON(c["core-service"]),
	}

	if config.Extensions, err = eapExtensionsOf(c); err != nil {
		return nil, err
	}

	subsystems, err := section(c, "subsystem")
	if err != nil {
		return nil, err
	}
	if subsystems == nil {
		return nil, decodeErrorf("eap configuration without a subsystem section")
	}
	config.Subsystems = jsonValues(subsystems)

	deployments, err := section(c, "deployment")
	if err != nil {
		return nil, err
	}
	config.Deployments = jsonValues(deployments)

	return config, nil
}

// eapExtensionsOf reads the extension map, where every entry looks like
// {"module": "...", "subsystem": {"name": {"management-major-version": 1, ...}}}.
func eapExtensionsOf(c map[string]any) ([]models.EapExtension, error) {
	extensionsRep, err := section(c, "extension")
	if err != nil {
		return nil, err
	}

	extensions := make([]models.EapExtension, 0, len(extensionsRep))
	for _, key := range slices.Sorted(maps.Keys(extensionsRep)) {
		extRep, ok := extensionsRep[key].(map[string]any)
		if !ok {
			return nil, decodeErrorf("extension %q is not an object", key)
		}

		subRep, err := section(extRep, "subsystem")
		if err != nil {
			return nil, err
		}

		ext := models.EapExtension{
			Module:     Stringify(extRep["module"]),
			Subsystems: make([]models.NameVersionPair, 0, len(subRep)),
		}
		for _, name := range slices.Sorted(maps.Keys(subRep)) {
			versions, ok := subRep[name].(map[string]any)
			if !ok {
				return nil, decodeErrorf("subsystem %q of extension %q is not an object", name, key)
			}
			ext.Subsystems = append(ext.Subsystems, models.NameVersionPair{
				Name:    name,
				Version: managementVersion(versions),
			})
		}
		extensions = append(extensions, ext)
	}
	return extensions, nil
}

// managementVersion joins the major, minor and micro management versions with dots.
// A missing component renders as "null".
func managementVersion(versions map[string]any) string {
	return Stringify(versions["management-major-version"]) +
		"." + Stringify(versions["management-minor-version"]) +
		"." + Stringify(versions["management-micro-version"])
}

// jsonValues maps every key of m to its value serialized as JSON.
func jsonValues(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = toJSON(v)
	}
	return out
}

func eapDeploymentsOf(rep map[string]any) ([]models.EapDeployment, error) {
	depRep, err := list(rep, "deployments")
	if err != nil {
		return nil, err
	}

	deployments := make([]models.EapDeployment, 0, len(depRep))
	for _, d := range depRep {
		deployment, ok := d.(map[string]any)
		if !ok {
			return nil, decodeErrorf("deployment is not an object")
		}

		archivesRep, err := list(deployment, "archives")
		if err != nil {
			return nil, err
		}
		archives, err := jarListOf(archivesRep)
		if err != nil {
			return nil, err
		}

		deployments = append(deployments, models.EapDeployment{
			Name:     Stringify(deployment["name"]),
			Archives: models.NewJarSet(archives...),
		})
	}
	return deployments, nil
}
