package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/reconcile"
	"github.com/ubuntu/decorate"
)

// Persist stores a full record and its children in one transaction.
// It returns false, and stores nothing, when an instance with the same linking hash exists.
func (db Manager) Persist(ctx context.Context, m models.Message) (inserted bool, err error) {
	defer decorate.OnError(&err, "could not persist %T", m)

	var inst *models.Instance
	var eap *models.EapInstance
	switch msg := m.(type) {
	case *models.Instance:
		inst = msg
	case *models.EapInstance:
		inst, eap = &msg.Instance, msg
	default:
		return false, fmt.Errorf("%w: cannot persist %T", ErrStorage, m)
	}

	err = db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		id := uuid.New()
		inserted, err = insertInstance(ctx, tx, id, inst)
		if err != nil || !inserted {
			return err
		}
		if err := linkJars(ctx, tx, "jvm_instance_jar_hash", "jvm_instance_id", id, inst.JarHashes); err != nil {
			return err
		}
		if eap != nil {
			if err := insertEap(ctx, tx, id, eap); err != nil {
				return err
			}
		}
		inst.ID = id
		return nil
	})
	if err != nil {
		return false, err
	}

	if !inserted {
		slog.Debug("Instance already stored", "linking_hash", inst.LinkingHash)
	}
	return inserted, nil
}

// ApplyUpdate locks the instances stored under linkingHash and writes back the jars of
// the instance returned by merge. Errors from merge are returned unchanged.
func (db Manager) ApplyUpdate(ctx context.Context, linkingHash string, merge reconcile.MergeFunc) error {
	var mergeErr error
	err := db.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		found, err := lockInstances(ctx, tx, linkingHash)
		if err != nil {
			return err
		}

		inst, err := merge(found)
		if err != nil {
			mergeErr = err
			return err
		}
		return linkJars(ctx, tx, "jvm_instance_jar_hash", "jvm_instance_id", inst.ID, inst.JarHashes)
	})
	if mergeErr != nil {
		return mergeErr
	}
	return err
}

// inTx runs fn in a transaction, committed when fn succeeds. Errors wrap ErrStorage.
func (db Manager) inTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if db.dbpool == nil {
		return fmt.Errorf("%w: database not initialized", ErrStorage)
	}

	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()

	tx, err := db.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrStorage, err)
	}
	defer func() {
		// No-op once committed.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		if errors.Is(err, reconcile.ErrReconciliation) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrStorage, err)
	}
	return nil
}

func lockInstances(ctx context.Context, tx pgx.Tx, linkingHash string) ([]*models.Instance, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM jvm_instance WHERE linking_hash = $1 FOR UPDATE`, linkingHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up instances: %v", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan instance id: %v", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up instances: %v", err)
	}

	found := make([]*models.Instance, 0, len(ids))
	for _, id := range ids {
		jars, err := instanceJars(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		found = append(found, &models.Instance{ID: id, LinkingHash: linkingHash, JarHashes: jars})
	}
	return found, nil
}

func instanceJars(ctx context.Context, tx pgx.Tx, id uuid.UUID) (models.JarSet, error) {
	rows, err := tx.Query(ctx,
		`SELECT j.name, j.group_id, j.vendor, j.version, j.sha1_checksum, j.sha256_checksum, j.sha512_checksum
		FROM jar_hash j
		JOIN jvm_instance_jar_hash l ON l.jar_hash_id = j.id
		WHERE l.jvm_instance_id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load jars: %v", err)
	}
	defer rows.Close()

	jars := models.NewJarSet()
	for rows.Next() {
		var j models.JarHash
		if err := rows.Scan(&j.Name, &j.GroupID, &j.Vendor, &j.Version, &j.Sha1Checksum, &j.Sha256Checksum, &j.Sha512Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan jar: %v", err)
		}
		jars.Add(j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load jars: %v", err)
	}
	return jars, nil
}

func insertInstance(ctx context.Context, tx pgx.Tx, id uuid.UUID, i *models.Instance) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO jvm_instance (
			id,
			linking_hash,
			account_id,
			org_id,
			hostname,
			launch_time,
			vendor,
			version_string,
			version,
			major_version,
			os_arch,
			processors,
			heap_min,
			heap_max,
			details,
			created,
			java_class_path,
			java_class_version,
			java_command,
			java_home,
			java_library_path,
			java_specification_vendor,
			java_vendor,
			java_vendor_version,
			java_vm_name,
			java_vm_vendor,
			jvm_heap_gc_details,
			jvm_packages,
			jvm_pid,
			jvm_report_time,
			jvm_args,
			system_os_name,
			system_os_version,
			workload,
			ocp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
			$31, $32, $33, $34, $35
		)
		ON CONFLICT (linking_hash) DO NOTHING`,
		id,
		i.LinkingHash,
		i.AccountID,
		i.OrgID,
		i.Hostname,
		i.LaunchTime,
		i.Vendor,
		i.VersionString,
		i.Version,
		i.MajorVersion,
		i.OsArch,
		i.Processors,
		i.HeapMin,
		i.HeapMax,
		i.Details,
		i.Created,
		i.JavaClassPath,
		i.JavaClassVersion,
		i.JavaCommand,
		i.JavaHome,
		i.JavaLibraryPath,
		i.JavaSpecificationVendor,
		i.JavaVendor,
		i.JavaVendorVersion,
		i.JavaVMName,
		i.JavaVMVendor,
		i.JvmHeapGcDetails,
		i.JvmPackages,
		i.JvmPid,
		i.JvmReportTime,
		i.JvmArgs,
		i.SystemOsName,
		i.SystemOsVersion,
		i.Workload,
		i.Ocp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert instance: %v", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertEap(ctx context.Context, tx pgx.Tx, id uuid.UUID, e *models.EapInstance) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO eap_instance (
			id,
			app_client_exception,
			app_name,
			app_transport_cert_https,
			app_transport_type_file,
			app_transport_type_https,
			app_user_dir,
			app_user_name,
			eap_version,
			eap_xp,
			eap_yaml_extension,
			eap_bootable_jar,
			eap_use_git,
			raw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id,
		e.AppClientException,
		e.AppName,
		e.AppTransportCertHTTPS,
		e.AppTransportTypeFile,
		e.AppTransportTypeHTTPS,
		e.AppUserDir,
		e.AppUserName,
		e.EapVersion,
		e.EapXp,
		e.EapYamlExtension,
		e.EapBootableJar,
		e.EapUseGit,
		e.Raw,
	)
	if err != nil {
		return fmt.Errorf("failed to insert eap instance: %v", err)
	}

	if err := linkJars(ctx, tx, "eap_instance_module_jar_hash", "eap_instance_id", id, e.Modules); err != nil {
		return err
	}
	if err := insertConfiguration(ctx, tx, id, e.Configuration); err != nil {
		return err
	}

	for _, d := range e.Deployments {
		deploymentID := uuid.New()
		if _, err := tx.Exec(ctx,
			`INSERT INTO eap_deployment (id, eap_instance_id, name) VALUES ($1, $2, $3)`,
			deploymentID, id, d.Name,
		); err != nil {
			return fmt.Errorf("failed to insert deployment %q: %v", d.Name, err)
		}
		if err := linkJars(ctx, tx, "eap_deployment_archive", "eap_deployment_id", deploymentID, d.Archives); err != nil {
			return err
		}
	}
	return nil
}

func insertConfiguration(ctx context.Context, tx pgx.Tx, eapID uuid.UUID, c *models.EapConfiguration) error {
	if c == nil {
		return nil
	}

	id := uuid.New()
	_, err := tx.Exec(ctx,
		`INSERT INTO eap_configuration (
			id,
			eap_instance_id,
			version,
			launch_type,
			name,
			organization,
			process_type,
			product_name,
			product_version,
			profile_name,
			release_codename,
			release_version,
			running_mode,
			runtime_configuration_state,
			server_state,
			suspend_state,
			socket_binding_groups,
			paths,
			interfaces,
			core_services,
			subsystems,
			deployments
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)`,
		id,
		eapID,
		c.Version,
		c.LaunchType,
		c.Name,
		c.Organization,
		c.ProcessType,
		c.ProductName,
		c.ProductVersion,
		c.ProfileName,
		c.ReleaseCodename,
		c.ReleaseVersion,
		c.RunningMode,
		c.RuntimeConfigurationState,
		c.ServerState,
		c.SuspendState,
		c.SocketBindingGroups,
		c.Paths,
		c.Interfaces,
		c.CoreServices,
		c.Subsystems,
		c.Deployments,
	)
	if err != nil {
		return fmt.Errorf("failed to insert eap configuration: %v", err)
	}

	for _, ext := range c.Extensions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO eap_extension (eap_configuration_id, module, subsystems) VALUES ($1, $2, $3)`,
			id, ext.Module, ext.Subsystems,
		); err != nil {
			return fmt.Errorf("failed to insert extension %q: %v", ext.Module, err)
		}
	}
	return nil
}

// linkJars upserts every jar of jars and links it to the owner row. Existing links are kept.
func linkJars(ctx context.Context, tx pgx.Tx, linkTable, ownerColumn string, ownerID uuid.UUID, jars models.JarSet) error {
	if jars == nil {
		return nil
	}

	link := fmt.Sprintf(
		`INSERT INTO %s (%s, jar_hash_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		pgx.Identifier{linkTable}.Sanitize(),
		pgx.Identifier{ownerColumn}.Sanitize(),
	)

	for _, j := range models.SortedJars(jars) {
		var jarID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO jar_hash (
				name,
				group_id,
				vendor,
				version,
				sha1_checksum,
				sha256_checksum,
				sha512_checksum
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (name, group_id, vendor, version, sha1_checksum, sha256_checksum, sha512_checksum)
			DO UPDATE SET name = EXCLUDED.name
			RETURNING id`,
			j.Name,
			j.GroupID,
			j.Vendor,
			j.Version,
			j.Sha1Checksum,
			j.Sha256Checksum,
			j.Sha512Checksum,
		).Scan(&jarID)
		if err != nil {
			return fmt.Errorf("failed to upsert jar %q: %v", j.Name, err)
		}

		if _, err := tx.Exec(ctx, link, ownerID, jarID); err != nil {
			return fmt.Errorf("failed to link jar %q: %v", j.Name, err)
		}
	}
	return nil
}
