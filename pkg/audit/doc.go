// Package audit records authorization decisions and catalog changes.
//
// Sinks implement Logger:
//
//   - DBLogger writes to the audit_logs table and supports Search and Purge
//   - FileLogger appends NDJSON to a size-rotated file
//   - MultiLogger fans out to several sinks
//   - NewNoOpLogger discards everything
//
// Retention:
//
//	archiver := audit.NewS3Archiver(s3Client, dbLogger, bucket, "audit/")
//	job := audit.NewRetentionJob(audit.RetentionPolicy{RetentionDays: 90, ArchiveEnabled: true}, dbLogger, archiver, logger)
//	job.Start(ctx, "0 3 * * *")
//	defer job.Stop()
package audit
