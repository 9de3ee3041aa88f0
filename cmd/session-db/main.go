// session-db is a read-only inspector for taskpilot's SQLite files.
// It uses the pure-Go sqlite driver so it builds without cgo, handy on
// machines that only need to poke at a copied database.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		base := filepath.Join(".taskpilot")
		for _, name := range []string{"sessions.db", "tasks.db"} {
			path := filepath.Join(base, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			fmt.Printf("\n=== %s ===\n", name)
			dump(path)
		}
		return
	}
	dump(os.Args[1])
}

func dump(path string) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Printf("Error opening DB: %v\n", err)
		return
	}
	defer db.Close()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table'")
	if err != nil {
		fmt.Printf("Error querying tables: %v\n", err)
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		_ = rows.Scan(&name)
		tables = append(tables, name)
	}
	rows.Close()

	for _, table := range tables {
		switch table {
		case "sessions":
			dumpSessions(db)
		case "tasks":
			dumpTasks(db)
		}
	}
}

func dumpSessions(db *sql.DB) {
	rows, err := db.Query(
		"SELECT conversation_id, key, value, expires_at FROM sessions ORDER BY conversation_id, key")
	if err != nil {
		fmt.Printf("Error reading sessions: %v\n", err)
		return
	}
	defer rows.Close()

	fmt.Println("sessions:")
	now := time.Now().UnixMilli()
	for rows.Next() {
		var conv, key, value string
		var expiresAt int64
		if err := rows.Scan(&conv, &key, &value, &expiresAt); err != nil {
			continue
		}
		state := "live"
		if expiresAt <= now {
			state = "expired"
		}
		if len(value) > 60 {
			value = value[:60] + "..."
		}
		fmt.Printf("  %s/%s [%s] = %s\n", conv, key, state, value)
	}
}

func dumpTasks(db *sql.DB) {
	rows, err := db.Query(
		"SELECT id, conversation_id, title, assignee, status, created_at FROM tasks ORDER BY created_at DESC")
	if err != nil {
		fmt.Printf("Error reading tasks: %v\n", err)
		return
	}
	defer rows.Close()

	fmt.Println("tasks:")
	for rows.Next() {
		var id, conv, title, assignee, status string
		var createdAt int64
		if err := rows.Scan(&id, &conv, &title, &assignee, &status, &createdAt); err != nil {
			continue
		}
		line := fmt.Sprintf("  %s [%s] %s (conv %s", id, status, title, conv)
		if assignee != "" {
			line += ", @" + assignee
		}
		line += fmt.Sprintf(", %s)", time.UnixMilli(createdAt).Format("2006-01-02 15:04"))
		fmt.Println(line)
	}
}
