package consts

// AdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so only one server or admin tool migrates at a time.
const AdvisoryLockID = 42734581

// CleanupLockID is taken per transaction by the change-log pruner.
const CleanupLockID = 42734582
