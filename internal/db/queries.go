package db

const (
	GetQueueByName = `
		SELECT id, name, strategy, addr, rank, created_at
		FROM queues WHERE name = ?
	`

	ListQueues = `
		SELECT id, name, strategy, addr, rank, created_at
		FROM queues ORDER BY rank ASC, id ASC
	`

	UpsertQueue = `
		INSERT INTO queues (name, strategy, addr, rank)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET strategy = ?, addr = ?, rank = ?
	`

	DeleteQueue = `DELETE FROM queues WHERE id = ? AND name != 'default'`
)

const (
	InsertJob = `
		INSERT INTO jobs (queue_id, name, rank, count, completed, draft, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`

	GetJobByID = `
		SELECT id, queue_id, name, rank, count, completed, draft, created_at
		FROM jobs WHERE id = ?
	`

	ListJobsByQueue = `
		SELECT id, queue_id, name, rank, count, completed, draft, created_at
		FROM jobs WHERE queue_id = ? ORDER BY rank ASC, id ASC
	`

	ListJobIDsByQueue = `SELECT id FROM jobs WHERE queue_id = ? ORDER BY rank ASC, id ASC`

	MaxJobRank = `SELECT COALESCE(MAX(rank), -1) FROM jobs WHERE queue_id = ?`

	UpdateJob = `
		UPDATE jobs SET name = ?, count = ?, completed = ?, draft = ? WHERE id = ?
	`

	SetJobRank = `UPDATE jobs SET queue_id = ?, rank = ? WHERE id = ?`

	IncrementJobCompleted = `UPDATE jobs SET completed = completed + 1 WHERE id = ? AND completed < count`

	ResetJobCompleted = `UPDATE jobs SET completed = 0 WHERE id = ?`

	DeleteJob = `DELETE FROM jobs WHERE id = ?`
)

const (
	InsertSet = `
		INSERT INTO sets (job_id, path, sd, rank, count, completed, materials_json, profiles_json)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`

	GetSetByID = `
		SELECT id, job_id, path, sd, rank, count, completed, materials_json, profiles_json
		FROM sets WHERE id = ?
	`

	ListSetsByQueue = `
		SELECT s.id, s.job_id, s.path, s.sd, s.rank, s.count, s.completed, s.materials_json, s.profiles_json
		FROM sets s JOIN jobs j ON j.id = s.job_id
		WHERE j.queue_id = ?
		ORDER BY s.job_id ASC, s.rank ASC, s.id ASC
	`

	ListSetsByJob = `
		SELECT id, job_id, path, sd, rank, count, completed, materials_json, profiles_json
		FROM sets WHERE job_id = ? ORDER BY rank ASC, id ASC
	`

	ListSetIDsByJob = `SELECT id FROM sets WHERE job_id = ? ORDER BY rank ASC, id ASC`

	MaxSetRank = `SELECT COALESCE(MAX(rank), -1) FROM sets WHERE job_id = ?`

	UpdateSet = `
		UPDATE sets SET path = ?, sd = ?, count = ?, completed = ?, materials_json = ?, profiles_json = ?
		WHERE id = ?
	`

	SetSetRank = `UPDATE sets SET job_id = ?, rank = ? WHERE id = ?`

	IncrementSetCompleted = `UPDATE sets SET completed = completed + 1 WHERE id = ? AND completed < count`

	CountIncompleteSets = `SELECT COUNT(*) FROM sets WHERE job_id = ? AND completed < count`

	ResetSetsForJob = `UPDATE sets SET completed = 0 WHERE job_id = ?`

	ResetSet = `UPDATE sets SET completed = 0 WHERE id = ?`

	DeleteSet = `DELETE FROM sets WHERE id = ?`
)

const (
	InsertRun = `INSERT INTO runs (queue_name, started_at) VALUES (?, ?)`

	EndRun = `UPDATE runs SET ended_at = ? WHERE id = ? AND ended_at IS NULL`

	EndOpenRuns = `UPDATE runs SET ended_at = ? WHERE ended_at IS NULL`

	GetRunByID = `SELECT id, queue_name, started_at, ended_at FROM runs WHERE id = ?`
)

const (
	InsertHistory = `
		INSERT INTO history (run_id, queue_name, job_id, set_id, job_name, path, result, note, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ListHistory = `
		SELECT id, run_id, queue_name, job_id, set_id, job_name, path, result, note, started_at, ended_at
		FROM history ORDER BY id DESC LIMIT ?
	`

	DeleteHistory = `DELETE FROM history`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	GetSetting = `SELECT value, encrypted, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)
