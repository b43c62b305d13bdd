package extract

import "github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"

// Attribute keys of the two known producers. The manifest style keys are looked up first.
var (
	groupIDKeys = []string{"groupId", "group_id"}
	vendorKeys  = []string{"Implementation-Vendor", "vendor"}
	sha1Keys    = []string{"sha1Checksum", "sha1_checksum"}
	sha256Keys  = []string{"sha256Checksum", "sha256_checksum"}
	sha512Keys  = []string{"sha512Checksum", "sha512_checksum"}
)

// jarHashOf builds a JarHash from one jar entry.
func jarHashOf(entry any) (models.JarHash, error) {
	jar, ok := entry.(map[string]any)
	if !ok {
		return models.JarHash{}, decodeErrorf("jar entry is not an object")
	}

	attrs, err := section(jar, "attributes")
	if err != nil {
		return models.JarHash{}, err
	}

	return models.JarHash{
		Name:           stringOr(jar, "name"),
		Version:        stringOr(jar, "version"),
		GroupID:        stringOr(attrs, groupIDKeys...),
		Vendor:         stringOr(attrs, vendorKeys...),
		Sha1Checksum:   stringOr(attrs, sha1Keys...),
		Sha256Checksum: stringOr(attrs, sha256Keys...),
		Sha512Checksum: stringOr(attrs, sha512Keys...),
	}, nil
}

// jarListOf builds the jars of a JSON array.
func jarListOf(entries []any) ([]models.JarHash, error) {
	jars := make([]models.JarHash, 0, len(entries))
	for _, e := range entries {
		j, err := jarHashOf(e)
		if err != nil {
			return nil, err
		}
		jars = append(jars, j)
	}
	return jars, nil
}

// jarSetOf builds the jar set of a {"jars": [...]} section. A missing section gives an empty set.
func jarSetOf(rep map[string]any) (models.JarSet, error) {
	set := models.NewJarSet()
	if rep == nil {
		return set, nil
	}
	entries, err := list(rep, "jars")
	if err != nil {
		return nil, err
	}
	jars, err := jarListOf(entries)
	if err != nil {
		return nil, err
	}
	set.Append(jars...)
	return set, nil
}

// stringOr stringifies the value of the first present key, or returns "" if none is present.
func stringOr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return Stringify(v)
		}
	}
	return ""
}
