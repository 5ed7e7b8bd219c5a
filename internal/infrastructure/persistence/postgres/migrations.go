package postgres

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_academic_entities",
			UpSQL:   migration001Up,
		},
		{
			Version: 2,
			Name:    "create_warning_rules",
			UpSQL:   migration002Up,
		},
		{
			Version: 3,
			Name:    "create_warning_records",
			UpSQL:   migration003Up,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: ACADEMIC ENTITIES
// Owned by the surrounding application; created here so a fresh database is
// usable by the aggregator.
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS classes (
    id TEXT PRIMARY KEY,
    name VARCHAR(100) NOT NULL,
    grade VARCHAR(20) NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS students (
    id TEXT PRIMARY KEY,
    name VARCHAR(100) NOT NULL,
    class_id TEXT REFERENCES classes(id) ON DELETE SET NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_student_status CHECK (status IN ('active', 'inactive', 'graduated', 'transferred'))
);

CREATE INDEX IF NOT EXISTS idx_students_class_active ON students(class_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS exams (
    id TEXT PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    subject VARCHAR(100) NOT NULL DEFAULT '',
    exam_date TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS exam_scores (
    id BIGSERIAL PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
    score DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    UNIQUE(student_id, exam_id)
);

CREATE INDEX IF NOT EXISTS idx_exam_scores_exam ON exam_scores(exam_id);

CREATE TABLE IF NOT EXISTS attendance (
    id BIGSERIAL PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    date DATE NOT NULL,
    status VARCHAR(10) NOT NULL,

    CONSTRAINT valid_attendance_status CHECK (status IN ('present', 'absent', 'late'))
);

CREATE INDEX IF NOT EXISTS idx_attendance_student_date ON attendance(student_id, date DESC);

CREATE TABLE IF NOT EXISTS behavior_records (
    id BIGSERIAL PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    points DOUBLE PRECISION NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_behavior_student_date ON behavior_records(student_id, recorded_at DESC);

CREATE TABLE IF NOT EXISTS homework (
    id TEXT PRIMARY KEY,
    class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
    title VARCHAR(200) NOT NULL,
    due_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_homework_class_due ON homework(class_id, due_at DESC);

CREATE TABLE IF NOT EXISTS homework_submissions (
    homework_id TEXT NOT NULL REFERENCES homework(id) ON DELETE CASCADE,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (homework_id, student_id)
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: WARNING RULES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS warning_rules (
    id TEXT PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    category VARCHAR(50) NOT NULL DEFAULT '',
    severity VARCHAR(10) NOT NULL,
    scope VARCHAR(20) NOT NULL DEFAULT 'student',
    priority INTEGER NOT NULL DEFAULT 0,
    condition_expression TEXT NOT NULL,
    score_expression TEXT NOT NULL DEFAULT '',
    message_template TEXT NOT NULL DEFAULT '',
    suggested_actions JSONB NOT NULL DEFAULT '[]'::jsonb,
    trigger_events JSONB NOT NULL DEFAULT '[]'::jsonb,
    cooldown_hours DOUBLE PRECISION,
    expiration_days INTEGER,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_rule_severity CHECK (severity IN ('low', 'medium', 'high', 'critical')),
    CONSTRAINT valid_cooldown CHECK (cooldown_hours IS NULL OR cooldown_hours >= 0),
    CONSTRAINT valid_expiration CHECK (expiration_days IS NULL OR expiration_days >= 0)
);

CREATE INDEX IF NOT EXISTS idx_warning_rules_active ON warning_rules(priority DESC, id) WHERE is_active;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: WARNING RECORDS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS warning_records (
    id UUID PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    rule_id TEXT NOT NULL REFERENCES warning_rules(id) ON DELETE CASCADE,
    severity VARCHAR(10) NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    message TEXT NOT NULL,
    details JSONB NOT NULL DEFAULT '{}'::jsonb,
    suggested_actions JSONB NOT NULL DEFAULT '[]'::jsonb,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    expired_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_record_status CHECK (status IN ('active', 'resolved', 'dismissed'))
);

-- Cooldown lookups: newest record per (student, rule).
CREATE INDEX IF NOT EXISTS idx_warning_records_student_rule ON warning_records(student_id, rule_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_warning_records_student_created ON warning_records(student_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_warning_records_active ON warning_records(severity) WHERE status = 'active';
`
