package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"podsync/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DB wraps a *sql.DB providing higher-level helper methods for the library
// cache and the settings table. It is safe for concurrent use because the
// underlying *sql.DB is concurrency-safe and every mutation is a single
// transactional statement.
type DB struct {
	conn   *sql.DB
	logger *logrus.Logger

	// Prepared statements for hot paths
	upsertTrackStmt  *sql.Stmt
	cachedMtimeStmt  *sql.Stmt
	trackByPathStmt  *sql.Stmt
	removeByPathStmt *sql.Stmt
	getSettingStmt   *sql.Stmt
	setSettingStmt   *sql.Stmt
}

// Open opens (or creates) a SQLite database at the provided path and ensures
// all required tables and indices exist. It also applies lightweight
// performance-oriented pragmas (WAL, cache sizing). Caller should Close() it
// when finished.
func Open(dbPath string, maxConns int) (*DB, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns < 1 {
		maxConns = 5
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &DB{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Database initialized")
	return db, nil
}

// createTables creates tables and indices if they do not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *DB) createTables() error {
	tracksTable := `
	CREATE TABLE IF NOT EXISTS library_tracks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL UNIQUE,
		file_mtime REAL NOT NULL,
		fingerprint TEXT NOT NULL,
		title TEXT,
		artist TEXT,
		album TEXT,
		album_artist TEXT,
		genre TEXT,
		track_nr INTEGER,
		disc_nr INTEGER,
		year INTEGER,
		duration_ms INTEGER,
		bitrate INTEGER,
		has_artwork BOOLEAN DEFAULT FALSE,
		artwork_hash TEXT,
		is_podcast BOOLEAN DEFAULT FALSE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	settingsTable := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_fingerprint ON library_tracks(fingerprint);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_album ON library_tracks(album);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_artist ON library_tracks(artist);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_podcast ON library_tracks(is_podcast);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_search ON library_tracks(title, artist, album);",
	}

	for _, table := range []string{tracksTable, settingsTable} {
		if _, err := db.conn.Exec(table); err != nil {
			return err
		}
	}

	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return err
		}
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// is additive and idempotent: new columns default to a safe value and the
// column-exists check makes re-application a no-op.
func (db *DB) runMigrations() error {
	// Migration 1: is_video column for video classification
	hasVideo, err := db.columnExists("library_tracks", "is_video")
	if err != nil {
		return err
	}
	if !hasVideo {
		if _, err := db.conn.Exec("ALTER TABLE library_tracks ADD COLUMN is_video BOOLEAN DEFAULT FALSE"); err != nil {
			return err
		}
		db.logger.Info("Added is_video column to library_tracks")
	}

	// Migration 2: persisted podcast series key, derived at scan time
	hasSeries, err := db.columnExists("library_tracks", "series")
	if err != nil {
		return err
	}
	if !hasSeries {
		if _, err := db.conn.Exec("ALTER TABLE library_tracks ADD COLUMN series TEXT"); err != nil {
			return err
		}
		if _, err := db.conn.Exec("CREATE INDEX IF NOT EXISTS idx_tracks_series ON library_tracks(series)"); err != nil {
			return err
		}
		db.logger.Info("Added series column and index to library_tracks")
	}

	return nil
}

func (db *DB) columnExists(table, column string) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info(?)
		WHERE name = ?`, table, column).Scan(&exists)
	return exists, err
}

// prepareStatements prepares commonly used SQL statements. The upsert and
// mtime lookup run once per scanned file, so they stay prepared for the
// lifetime of the store.
func (db *DB) prepareStatements() error {
	var err error

	db.upsertTrackStmt, err = db.conn.Prepare(`
		INSERT INTO library_tracks
			(file_path, file_mtime, fingerprint, title, artist, album, album_artist,
			 genre, track_nr, disc_nr, year, duration_ms, bitrate, has_artwork,
			 artwork_hash, is_podcast, is_video, series)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			file_mtime=excluded.file_mtime,
			fingerprint=excluded.fingerprint,
			title=excluded.title,
			artist=excluded.artist,
			album=excluded.album,
			album_artist=excluded.album_artist,
			genre=excluded.genre,
			track_nr=excluded.track_nr,
			disc_nr=excluded.disc_nr,
			year=excluded.year,
			duration_ms=excluded.duration_ms,
			bitrate=excluded.bitrate,
			has_artwork=excluded.has_artwork,
			artwork_hash=excluded.artwork_hash,
			is_podcast=excluded.is_podcast,
			is_video=excluded.is_video,
			series=excluded.series`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert track statement: %w", err)
	}

	db.cachedMtimeStmt, err = db.conn.Prepare(
		"SELECT file_mtime FROM library_tracks WHERE file_path = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare cached mtime statement: %w", err)
	}

	db.trackByPathStmt, err = db.conn.Prepare(
		selectColumns + " FROM library_tracks WHERE file_path = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare track by path statement: %w", err)
	}

	db.removeByPathStmt, err = db.conn.Prepare(
		"DELETE FROM library_tracks WHERE file_path = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare remove track statement: %w", err)
	}

	db.getSettingStmt, err = db.conn.Prepare(
		"SELECT value FROM settings WHERE key = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare get setting statement: %w", err)
	}

	db.setSettingStmt, err = db.conn.Prepare(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`)
	if err != nil {
		return fmt.Errorf("failed to prepare set setting statement: %w", err)
	}

	return nil
}

const selectColumns = `SELECT id, file_path, file_mtime, fingerprint,
	COALESCE(title, ''), COALESCE(artist, ''), COALESCE(album, ''),
	COALESCE(album_artist, ''), COALESCE(genre, ''),
	track_nr, disc_nr, year, duration_ms, bitrate,
	has_artwork, COALESCE(artwork_hash, ''), is_podcast, is_video,
	COALESCE(series, '')`

// UpsertTrack inserts a new track or replaces the row matched by file_path,
// returning the row's stable ID. The statement is a single transaction: no
// partial upsert is ever observable.
func (db *DB) UpsertTrack(track *models.LibraryTrack) (int64, error) {
	_, err := db.upsertTrackStmt.Exec(
		track.FilePath, track.FileMtime, track.Fingerprint,
		nullStr(track.Title), nullStr(track.Artist), nullStr(track.Album),
		nullStr(track.AlbumArtist), nullStr(track.Genre),
		nullInt(track.TrackNumber), nullInt(track.DiscNumber), nullInt(track.Year),
		nullInt(track.DurationMS), nullInt(track.Bitrate),
		track.HasArtwork, nullStr(track.ArtworkHash),
		track.IsPodcast, track.IsVideo, nullStr(track.Series))
	if err != nil {
		db.logger.WithError(err).WithField("file_path", track.FilePath).Error("Failed to upsert track")
		return 0, err
	}

	var id int64
	if err := db.conn.QueryRow(
		"SELECT id FROM library_tracks WHERE file_path = ?", track.FilePath).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CachedMtime returns the cached modification time for a path. The second
// return value is false when the path has never been cached.
func (db *DB) CachedMtime(filePath string) (float64, bool, error) {
	var mtime float64
	err := db.cachedMtimeStmt.QueryRow(filePath).Scan(&mtime)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return mtime, true, nil
}

// TrackByPath returns the cached row for a path, or nil when absent.
func (db *DB) TrackByPath(filePath string) (*models.LibraryTrack, error) {
	row := db.trackByPathStmt.QueryRow(filePath)
	track, err := scanTrack(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return track, nil
}

// TrackQuery describes a paginated, sorted, filtered track listing.
type TrackQuery struct {
	Classification models.Classification // empty = all
	Search         string                // free text over title/artist/album
	Album          string                // exact album match
	Format         string                // file extension without dot, e.g. "flac"
	Sort           string
	Order          string
	Page           int
	PerPage        int
}

var allowedSorts = map[string]bool{
	"artist": true, "album": true, "title": true, "year": true,
	"duration_ms": true, "genre": true, "track_nr": true,
}

// QueryTracks returns one page of tracks plus the total number of rows
// matching the filters.
func (db *DB) QueryTracks(q TrackQuery) ([]models.LibraryTrack, int, error) {
	sort := q.Sort
	if !allowedSorts[sort] {
		sort = "artist"
	}
	order := strings.ToLower(q.Order)
	if order != "asc" && order != "desc" {
		order = "asc"
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage < 1 {
		perPage = 100
	}

	var where []string
	var params []interface{}

	switch q.Classification {
	case models.ClassMusic:
		where = append(where, "is_podcast = 0 AND is_video = 0")
	case models.ClassPodcast:
		where = append(where, "is_podcast = 1")
	case models.ClassVideo:
		where = append(where, "is_video = 1")
	}
	if q.Search != "" {
		where = append(where, "(title LIKE ? OR artist LIKE ? OR album LIKE ?)")
		like := "%" + q.Search + "%"
		params = append(params, like, like, like)
	}
	if q.Album != "" {
		where = append(where, "album = ?")
		params = append(params, q.Album)
	}
	if q.Format != "" {
		where = append(where, "LOWER(file_path) LIKE ?")
		params = append(params, "%."+strings.ToLower(strings.TrimPrefix(q.Format, ".")))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM library_tracks "+whereClause, params...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	query := fmt.Sprintf("%s FROM library_tracks %s ORDER BY %s %s LIMIT ? OFFSET ?",
		selectColumns, whereClause, sort, order)
	rows, err := db.conn.Query(query, append(params, perPage, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tracks, err := scanTrackRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return tracks, total, nil
}

// Albums returns the grouped album listing. The group key is album plus
// COALESCE(album_artist, artist) so multi-artist albums collapse under their
// album artist.
func (db *DB) Albums() ([]models.AlbumGroup, error) {
	rows, err := db.conn.Query(`
		SELECT album, COALESCE(album_artist, artist, '') AS group_artist,
		       COALESCE(MAX(artwork_hash), '') AS artwork_hash,
		       COUNT(*) AS track_count, MIN(year) AS year
		FROM library_tracks
		WHERE album IS NOT NULL AND album != '' AND is_podcast = 0
		GROUP BY album, COALESCE(album_artist, artist)
		ORDER BY COALESCE(album_artist, artist), album`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var albums []models.AlbumGroup
	for rows.Next() {
		var g models.AlbumGroup
		var year sql.NullInt64
		if err := rows.Scan(&g.Album, &g.Artist, &g.ArtworkHash, &g.TrackCount, &year); err != nil {
			return nil, err
		}
		if year.Valid {
			y := int(year.Int64)
			g.Year = &y
		}
		albums = append(albums, g)
	}
	return albums, rows.Err()
}

// PodcastSeries returns the grouped podcast-series listing over the series
// key persisted at scan time.
func (db *DB) PodcastSeries() ([]models.SeriesGroup, error) {
	rows, err := db.conn.Query(`
		SELECT COALESCE(series, '') AS series,
		       COUNT(*) AS episode_count,
		       COALESCE(MAX(artwork_hash), '') AS artwork_hash
		FROM library_tracks
		WHERE is_podcast = 1
		GROUP BY series
		ORDER BY series`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var series []models.SeriesGroup
	for rows.Next() {
		var g models.SeriesGroup
		if err := rows.Scan(&g.Series, &g.EpisodeCount, &g.ArtworkHash); err != nil {
			return nil, err
		}
		series = append(series, g)
	}
	return series, rows.Err()
}

// TracksByIDs returns the cached rows for the given ids. Missing ids are
// silently absent from the result.
func (db *DB) TracksByIDs(ids []int64) ([]models.LibraryTrack, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	params := make([]interface{}, len(ids))
	for i, id := range ids {
		params[i] = id
	}

	rows, err := db.conn.Query(
		selectColumns+" FROM library_tracks WHERE id IN ("+placeholders+")", params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackRows(rows)
}

// TrackCount returns the number of cached rows for a classification; the
// empty classification counts everything.
func (db *DB) TrackCount(class models.Classification) (int, error) {
	query := "SELECT COUNT(*) FROM library_tracks"
	switch class {
	case models.ClassMusic:
		query += " WHERE is_podcast = 0 AND is_video = 0"
	case models.ClassPodcast:
		query += " WHERE is_podcast = 1"
	case models.ClassVideo:
		query += " WHERE is_video = 1"
	}
	var count int
	err := db.conn.QueryRow(query).Scan(&count)
	return count, err
}

// Fingerprints returns the full set of cached fingerprints, used for upload
// dedup before a file ever reaches the library.
func (db *DB) Fingerprints() (map[string]struct{}, error) {
	rows, err := db.conn.Query("SELECT fingerprint FROM library_tracks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		set[fp] = struct{}{}
	}
	return set, rows.Err()
}

// FingerprintExists reports whether any cached row carries the fingerprint.
func (db *DB) FingerprintExists(fp string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM library_tracks WHERE fingerprint = ?", fp).Scan(&count)
	return count > 0, err
}

// TrackPath pairs a row id with its file path for existence pruning.
type TrackPath struct {
	ID   int64
	Path string
}

// AllTrackPaths returns id/path pairs for every cached row.
func (db *DB) AllTrackPaths() ([]TrackPath, error) {
	rows, err := db.conn.Query("SELECT id, file_path FROM library_tracks")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []TrackPath
	for rows.Next() {
		var tp TrackPath
		if err := rows.Scan(&tp.ID, &tp.Path); err != nil {
			return nil, err
		}
		paths = append(paths, tp)
	}
	return paths, rows.Err()
}

// DeleteTracks removes the rows with the given ids and returns how many were
// actually deleted.
func (db *DB) DeleteTracks(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	params := make([]interface{}, len(ids))
	for i, id := range ids {
		params[i] = id
	}
	result, err := db.conn.Exec(
		"DELETE FROM library_tracks WHERE id IN ("+placeholders+")", params...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RemoveTrackByPath deletes a track row identified by its file path and
// reports whether a row actually existed.
func (db *DB) RemoveTrackByPath(filePath string) (bool, error) {
	result, err := db.removeByPathStmt.Exec(filePath)
	if err != nil {
		db.logger.WithError(err).WithField("file_path", filePath).Error("Failed to remove track by path")
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// PurgeTracksWithoutMetadata removes non-podcast rows that carry no
// identifying metadata. Called after a scan when the allow_no_metadata
// setting is disabled, so entries cached under a previous permissive policy
// do not linger.
func (db *DB) PurgeTracksWithoutMetadata() (int64, error) {
	result, err := db.conn.Exec(`
		DELETE FROM library_tracks
		WHERE is_podcast = 0
		  AND (artist IS NULL OR artist = '')
		  AND (album IS NULL OR album = '')
		  AND (album_artist IS NULL OR album_artist = '')
		  AND (genre IS NULL OR genre = '')
		  AND year IS NULL
		  AND track_nr IS NULL`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the underlying database connection and prepared statements.
func (db *DB) Close() error {
	statements := []*sql.Stmt{
		db.upsertTrackStmt,
		db.cachedMtimeStmt,
		db.trackByPathStmt,
		db.removeByPathStmt,
		db.getSettingStmt,
		db.setSettingStmt,
	}
	for _, stmt := range statements {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				db.logger.WithError(err).Error("Failed to close prepared statement")
			}
		}
	}

	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrack(row rowScanner) (*models.LibraryTrack, error) {
	var t models.LibraryTrack
	var trackNr, discNr, year, durationMS, bitrate sql.NullInt64
	if err := row.Scan(&t.ID, &t.FilePath, &t.FileMtime, &t.Fingerprint,
		&t.Title, &t.Artist, &t.Album, &t.AlbumArtist, &t.Genre,
		&trackNr, &discNr, &year, &durationMS, &bitrate,
		&t.HasArtwork, &t.ArtworkHash, &t.IsPodcast, &t.IsVideo, &t.Series); err != nil {
		return nil, err
	}
	t.TrackNumber = intPtr(trackNr)
	t.DiscNumber = intPtr(discNr)
	t.Year = intPtr(year)
	t.DurationMS = intPtr(durationMS)
	t.Bitrate = intPtr(bitrate)
	return &t, nil
}

// scanTrackRows scans standard track result sets into a slice. Callers must
// have already deferred rows.Close().
func scanTrackRows(rows *sql.Rows) ([]models.LibraryTrack, error) {
	var tracks []models.LibraryTrack
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, *track)
	}
	return tracks, rows.Err()
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
