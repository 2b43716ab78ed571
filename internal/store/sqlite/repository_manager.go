package sqlite

import (
	"context"
	"database/sql"

	"github.com/paperspark/spark/internal/store"
)

// RepositoryManager implements store.RepositoryManager for SQLite and
// Postgres.
type RepositoryManager struct {
	db     *sql.DB
	config *store.Config
	driver string

	documentRepo   *DocumentRepository
	extractionRepo *ExtractionRepository
	importRepo     *ImportRepository
	cacheRepo      *CacheRepository
	proposalRepo   *ProposalRepository
	runRepo        *RunRepository
	llmRepo        *LLMRepository
	jobRepo        *JobRepository
	vendorRepo     *VendorRepository
	systemRepo     *SystemRepository
}

// NewRepositoryManager validates the configuration and returns an
// unopened manager.
func NewRepositoryManager(config *store.Config) (*RepositoryManager, error) {
	if err := config.Validate(); err != nil {
		return nil, store.NewConfigurationError("new_repository_manager", "invalid configuration", err)
	}

	return &RepositoryManager{
		config: config,
		driver: config.Driver,
	}, nil
}

func (rm *RepositoryManager) Open(ctx context.Context) error {
	db, err := openDB(rm.config)
	if err != nil {
		return err
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, rm.config.DefaultTimeout)
	defer cancel()

	if err := db.PingContext(ctxTimeout); err != nil {
		db.Close()
		return store.NewConnectionError("open", "failed to ping database", err)
	}

	if err := runMigrations(ctx, db, rm.driver); err != nil {
		db.Close()
		return err
	}

	rm.db = db
	rm.documentRepo = NewDocumentRepository(db, rm.driver)
	rm.extractionRepo = NewExtractionRepository(db, rm.driver)
	rm.importRepo = NewImportRepository(db, rm.driver)
	rm.cacheRepo = NewCacheRepository(db, rm.driver)
	rm.proposalRepo = NewProposalRepository(db, rm.driver)
	rm.runRepo = NewRunRepository(db, rm.driver)
	rm.llmRepo = NewLLMRepository(db, rm.driver)
	rm.jobRepo = NewJobRepository(db, rm.driver)
	rm.vendorRepo = NewVendorRepository(db, rm.driver)
	rm.systemRepo = NewSystemRepository(db, rm.driver)

	return nil
}

func (rm *RepositoryManager) Close(ctx context.Context) error {
	if rm.db == nil {
		return nil
	}

	err := rm.db.Close()
	rm.db = nil

	rm.documentRepo = nil
	rm.extractionRepo = nil
	rm.importRepo = nil
	rm.cacheRepo = nil
	rm.proposalRepo = nil
	rm.runRepo = nil
	rm.llmRepo = nil
	rm.jobRepo = nil
	rm.vendorRepo = nil
	rm.systemRepo = nil

	if err != nil {
		return store.NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

func (rm *RepositoryManager) Documents() store.DocumentRepository     { return rm.documentRepo }
func (rm *RepositoryManager) Extractions() store.ExtractionRepository { return rm.extractionRepo }
func (rm *RepositoryManager) Imports() store.ImportRepository         { return rm.importRepo }
func (rm *RepositoryManager) Cache() store.CacheRepository            { return rm.cacheRepo }
func (rm *RepositoryManager) Proposals() store.ProposalRepository     { return rm.proposalRepo }
func (rm *RepositoryManager) Runs() store.RunRepository               { return rm.runRepo }
func (rm *RepositoryManager) LLM() store.LLMRepository                { return rm.llmRepo }
func (rm *RepositoryManager) Jobs() store.JobRepository               { return rm.jobRepo }
func (rm *RepositoryManager) Vendors() store.VendorRepository         { return rm.vendorRepo }
func (rm *RepositoryManager) System() store.SystemRepository          { return rm.systemRepo }

func (rm *RepositoryManager) WithTransaction(ctx context.Context, fn func(store.TransactionContext) error) error {
	if rm.systemRepo == nil {
		return store.ErrDatabaseClosed
	}

	tx, err := rm.systemRepo.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			// Return the original error; the rollback failure is secondary.
			return err
		}
		return err
	}

	return tx.Commit(ctx)
}
