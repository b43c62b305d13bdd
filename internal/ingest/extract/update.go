package extract

import "github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"

// Update builds an update record from the updated-jars section of a classified document.
func Update(doc Document) (*models.UpdateRecord, error) {
	if doc.UpdatedJars == nil {
		return nil, decodeErrorf("missing required section: updated-jars")
	}

	hash, err := linkingHash(doc.UpdatedJars)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, decodeErrorf("updated-jars without an idHash")
	}

	entries, err := list(doc.UpdatedJars, "jars")
	if err != nil {
		return nil, err
	}
	jars, err := jarListOf(entries)
	if err != nil {
		return nil, err
	}

	return &models.UpdateRecord{LinkingHash: hash, Jars: jars}, nil
}
