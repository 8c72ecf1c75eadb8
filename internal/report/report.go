// Package report renders a static, searchable HTML summary of one backup
// run. It is written once, next to the catalog, and has no live
// connection back to a running engine.
package report

import (
	"fmt"
	"html"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// FileOutcome is one row of the report table.
type FileOutcome struct {
	SourcePath string
	DestPath   string
	Status     string // "copied", "unchanged", "failed"
	Size       int64
	Detail     string
}

// Summary is the data a report is rendered from.
type Summary struct {
	RunID          string
	StartedAt      time.Time
	CompletedAt    time.Time
	State          string
	BytesCopied    int64
	Files          []FileOutcome
}

const reportCSS = `    <style>
        :root {
            --background: 0 0% 100%;
            --foreground: 222.2 84% 4.9%;
            --border: 214.3 31.8% 91.4%;
            --muted: 210 40% 96%;
            --radius: 0.5rem;
        }
        * { box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Arial, sans-serif;
            line-height: 1.5;
            color: hsl(var(--foreground));
            background-color: hsl(var(--background));
            margin: 0;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        h1 { font-size: 2rem; font-weight: 700; margin-bottom: 1.5rem; }
        .controls { display: flex; gap: 1rem; margin-bottom: 1rem; flex-wrap: wrap; align-items: center; }
        .search-input {
            flex: 1; min-width: 200px; padding: 0.5rem 0.75rem;
            border: 1px solid hsl(var(--border)); border-radius: var(--radius);
        }
        .filter-buttons { display: flex; gap: 0.5rem; flex-wrap: wrap; }
        .filter-btn {
            padding: 0.375rem 0.75rem; border: 1px solid hsl(var(--border));
            border-radius: var(--radius); background: hsl(var(--muted)); cursor: pointer;
        }
        .filter-btn.active { background: hsl(222.2 47.4% 11.2%); color: white; }
        .summary-badges { display: flex; gap: 0.75rem; flex-wrap: wrap; margin-bottom: 1.5rem; }
        .summary-badge {
            display: flex; flex-direction: column; padding: 0.5rem 1rem;
            border-radius: var(--radius); background: hsl(var(--muted)); min-width: 100px;
        }
        .badge-label { font-size: 0.75rem; opacity: 0.7; }
        .badge-value { font-size: 1.25rem; font-weight: 700; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid hsl(var(--border)); }
        th { cursor: pointer; user-select: none; }
        .status-copied { color: #15803d; font-weight: 600; }
        .status-unchanged { color: #71717a; }
        .status-failed { color: #b91c1c; font-weight: 600; }
    </style>`

const reportJS = `    <script>
        const rows = Array.from(document.querySelectorAll('#fileTableBody tr'));
        const search = document.getElementById('searchInput');
        const filterButtons = document.querySelectorAll('.filter-btn');
        let activeFilter = 'all';

        function applyFilters() {
            const term = search.value.toLowerCase();
            rows.forEach(row => {
                const path = row.dataset.path.toLowerCase();
                const status = row.dataset.status;
                const matchesTerm = path.includes(term);
                const matchesFilter = activeFilter === 'all' || status === activeFilter;
                row.style.display = matchesTerm && matchesFilter ? '' : 'none';
            });
        }

        search.addEventListener('input', applyFilters);
        filterButtons.forEach(btn => {
            btn.addEventListener('click', () => {
                filterButtons.forEach(b => b.classList.remove('active'));
                btn.classList.add('active');
                activeFilter = btn.dataset.filter;
                applyFilters();
            });
        });

        document.querySelectorAll('th[data-sort]').forEach(th => {
            th.addEventListener('click', () => {
                const key = th.dataset.sort;
                const tbody = document.getElementById('fileTableBody');
                const sorted = rows.slice().sort((a, b) =>
                    (a.dataset[key] || '').localeCompare(b.dataset[key] || ''));
                sorted.forEach(r => tbody.appendChild(r));
            });
        });
    </script>`

// Write renders s to path as a standalone HTML document.
func Write(path string, s Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	writeHeader(f, s)
	writeTable(f, s)
	f.WriteString("\n</body></html>\n")
	return nil
}

func writeHeader(f *os.File, s Summary) {
	fmt.Fprintf(f, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>hashbackup report %s</title>
%s
</head>
<body>
    <div class="container">
        <h1>Backup run %s</h1>
        <p>%s &rarr; %s, state %s</p>
`, html.EscapeString(s.RunID), reportCSS, html.EscapeString(s.RunID),
		s.StartedAt.Format(time.RFC3339), s.CompletedAt.Format(time.RFC3339), html.EscapeString(s.State))

	writeBadges(f, s)
}

func writeBadges(f *os.File, s Summary) {
	copied, unchanged, failed := 0, 0, 0
	for _, fo := range s.Files {
		switch fo.Status {
		case "copied":
			copied++
		case "unchanged":
			unchanged++
		case "failed":
			failed++
		}
	}

	f.WriteString(`        <div class="summary-badges">`)
	writeBadge(f, "Total Files", fmt.Sprintf("%d", len(s.Files)))
	writeBadge(f, "Data Copied", humanize.Bytes(uint64(s.BytesCopied)))
	writeBadge(f, "Duration", humanize.RelTime(s.StartedAt, s.CompletedAt, "", ""))
	writeBadge(f, "Copied", fmt.Sprintf("%d", copied))
	writeBadge(f, "Unchanged", fmt.Sprintf("%d", unchanged))
	writeBadge(f, "Failed", fmt.Sprintf("%d", failed))
	f.WriteString(`
        </div>
`)
}

func writeBadge(f *os.File, label, value string) {
	fmt.Fprintf(f, `
            <span class="summary-badge"><span class="badge-label">%s</span><span class="badge-value">%s</span></span>`,
		html.EscapeString(label), html.EscapeString(value))
}

func writeTable(f *os.File, s Summary) {
	f.WriteString(`
        <div class="controls">
            <input type="text" class="search-input" placeholder="Search files..." id="searchInput">
            <div class="filter-buttons">
                <button class="filter-btn active" data-filter="all">All</button>
                <button class="filter-btn" data-filter="copied">Copied</button>
                <button class="filter-btn" data-filter="unchanged">Unchanged</button>
                <button class="filter-btn" data-filter="failed">Failed</button>
            </div>
        </div>
        <table>
            <thead>
                <tr>
                    <th data-sort="path">Source</th>
                    <th data-sort="dest">Destination</th>
                    <th data-sort="status">Status</th>
                    <th data-sort="size">Size</th>
                    <th data-sort="detail">Detail</th>
                </tr>
            </thead>
            <tbody id="fileTableBody">`)

	for _, fo := range s.Files {
		fmt.Fprintf(f, `
                <tr data-path="%s" data-dest="%s" data-status="%s" data-size="%d">
                    <td>%s</td><td>%s</td><td class="status-%s">%s</td><td>%s</td><td>%s</td>
                </tr>`,
			html.EscapeString(fo.SourcePath), html.EscapeString(fo.DestPath), fo.Status, fo.Size,
			html.EscapeString(fo.SourcePath), html.EscapeString(fo.DestPath),
			fo.Status, fo.Status, humanize.Bytes(uint64(fo.Size)), html.EscapeString(fo.Detail))
	}

	f.WriteString(`
            </tbody>
        </table>
`)
	f.WriteString(reportJS)
}
