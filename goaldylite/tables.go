package goaldylite

// PreferencesLocalID is the fixed local id of the one-per-user preferences
// row. Remotely the row is keyed by the owning user's id instead.
const PreferencesLocalID = "local-preferences"

// BudgetKey is the natural key for monthly budgets: at most one row per
// owner per calendar month, regardless of which device created it.
func BudgetKey(row Row) string {
	month := stringField(row, "month")
	if month == "" {
		return ""
	}
	return stringField(row, FieldUserID) + "/" + month
}

// DefaultTables returns the schema descriptors for the record-keeping app.
// Pull ranks follow foreign references: categories before goals before
// contributions, so a read during a sync cycle never sees a dangling
// reference.
func DefaultTables() []*TableSpec {
	return []*TableSpec{
		{
			Name:     "categories",
			PullRank: 0,
			// Baseline categories are seeded locally with no owner and
			// never round-trip to the remote.
			SharedRows: true,
			Columns: []ColumnSpec{
				{Name: "name", Type: "TEXT", Sync: true},
				{Name: "color", Type: "TEXT", Sync: true},
				{Name: "icon", Type: "TEXT", Sync: true},
			},
		},
		{
			Name:     "goals",
			PullRank: 1,
			Columns: []ColumnSpec{
				{Name: "category_id", Type: "TEXT", Sync: true},
				{Name: "name", Type: "TEXT", Sync: true},
				{Name: "target_amount", Type: "REAL", Sync: true},
				{Name: "due_date", Type: "TEXT", Sync: true},
			},
		},
		{
			Name:     "budgets",
			PullRank: 1,
			Columns: []ColumnSpec{
				{Name: "month", Type: "TEXT", Sync: true}, // "2025-01"
				{Name: "total", Type: "REAL", Sync: true},
			},
			NaturalKey: BudgetKey,
		},
		{
			Name:     "habits",
			PullRank: 1,
			Columns: []ColumnSpec{
				{Name: "name", Type: "TEXT", Sync: true},
				{Name: "frequency", Type: "TEXT", Sync: true},
				// Streak is derived on each device and intentionally not
				// replicated.
				{Name: "streak", Type: "INTEGER", Sync: false},
			},
		},
		{
			Name:        "preferences",
			PullRank:    1,
			SingletonID: PreferencesLocalID,
			Columns: []ColumnSpec{
				{Name: "reminders_enabled", Type: "INTEGER", Sync: true},
				{Name: "reminder_time", Type: "TEXT", Sync: true},
				{Name: "week_starts_on", Type: "INTEGER", Sync: true},
			},
		},
		{
			Name:     "contributions",
			PullRank: 2,
			Columns: []ColumnSpec{
				{Name: "goal_id", Type: "TEXT", Sync: true},
				{Name: "amount", Type: "REAL", Sync: true},
				{Name: "note", Type: "TEXT", Sync: true},
			},
		},
		{
			// Notification-due records produced by the engine; the delivery
			// subsystem writes sent_at back through the repository Update
			// contract and takes no part in merge/push/pull.
			Name:     "notifications",
			PullRank: 2,
			Columns: []ColumnSpec{
				{Name: "habit_id", Type: "TEXT", Sync: true},
				{Name: "title", Type: "TEXT", Sync: true},
				{Name: "due_at", Type: "TEXT", Sync: true},
				{Name: "sent_at", Type: "TEXT", Sync: true},
			},
		},
	}
}
