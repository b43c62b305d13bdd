package models

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidRecord is returned when a record breaks a storage constraint.
var ErrInvalidRecord = errors.New("record does not satisfy storage constraints")

// Validate checks the storage constraints of m and of every jar it owns.
func Validate(m Message) error {
	var err error
	switch msg := m.(type) {
	case *Instance:
		err = errors.Join(validate.Struct(msg), validateJars(msg.JarHashes))
	case *EapInstance:
		err = errors.Join(validate.Struct(msg), validateJars(msg.JarHashes), validateJars(msg.Modules))
		for _, d := range msg.Deployments {
			err = errors.Join(err, validateJars(d.Archives))
		}
	case *UpdateRecord:
		err = validate.Struct(msg)
		for _, j := range msg.Jars {
			err = errors.Join(err, validate.Struct(j))
		}
	default:
		return fmt.Errorf("%w: unknown message type %T", ErrInvalidRecord, m)
	}

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

func validateJars(jars JarSet) error {
	if jars == nil {
		return nil
	}
	var err error
	for _, j := range SortedJars(jars) {
		err = errors.Join(err, validate.Struct(j))
	}
	return err
}

// SortedJars returns the jars of s in a stable order.
func SortedJars(s JarSet) []JarHash {
	if s == nil {
		return nil
	}
	jars := s.ToSlice()
	slices.SortFunc(jars, compareJars)
	return jars
}

func compareJars(a, b JarHash) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Version, b.Version),
		cmp.Compare(a.GroupID, b.GroupID),
		cmp.Compare(a.Vendor, b.Vendor),
		cmp.Compare(a.Sha1Checksum, b.Sha1Checksum),
		cmp.Compare(a.Sha256Checksum, b.Sha256Checksum),
		cmp.Compare(a.Sha512Checksum, b.Sha512Checksum),
	)
}
