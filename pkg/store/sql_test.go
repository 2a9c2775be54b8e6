package store

import "testing"

func TestSQLStore_Rebind(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"no placeholders", "SELECT id FROM loans", "SELECT id FROM loans"},
		{"one", "SELECT * FROM loans WHERE id = ?", "SELECT * FROM loans WHERE id = $1"},
		{
			"several in order",
			"INSERT INTO payments (id, reference, amount) VALUES (?, ?, ?)",
			"INSERT INTO payments (id, reference, amount) VALUES ($1, $2, $3)",
		},
		{
			"double digits",
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		},
		{
			"quoted literal",
			"SELECT * FROM notifications WHERE title = 'why?' AND recipient = ?",
			"SELECT * FROM notifications WHERE title = 'why?' AND recipient = $1",
		},
		{
			"escaped quote",
			"UPDATE members SET last_name = 'O''Neil?' WHERE id = ?",
			"UPDATE members SET last_name = 'O''Neil?' WHERE id = $1",
		},
	}

	pg := &SQLStore{driver: DriverPostgres}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pg.rebind(tt.query); got != tt.want {
				t.Errorf("rebind(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}

	lite := &SQLStore{driver: DriverSQLite}
	q := "SELECT * FROM loans WHERE id = ? AND status = ?"
	if got := lite.rebind(q); got != q {
		t.Errorf("Expected sqlite queries untouched, got %q", got)
	}
}
