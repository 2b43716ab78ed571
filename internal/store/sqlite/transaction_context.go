package sqlite

import (
	"context"
	"database/sql"

	"github.com/paperspark/spark/internal/store"
)

// TransactionContext scopes all repositories to a single open
// transaction.
type TransactionContext struct {
	tx *sql.Tx

	documentRepo   *DocumentRepository
	extractionRepo *ExtractionRepository
	importRepo     *ImportRepository
	cacheRepo      *CacheRepository
	proposalRepo   *ProposalRepository
	runRepo        *RunRepository
	llmRepo        *LLMRepository
	jobRepo        *JobRepository
	vendorRepo     *VendorRepository
}

func NewTransactionContext(tx *sql.Tx, driver string) *TransactionContext {
	return &TransactionContext{
		tx:             tx,
		documentRepo:   NewDocumentRepositoryWithTx(tx, driver),
		extractionRepo: NewExtractionRepositoryWithTx(tx, driver),
		importRepo:     NewImportRepositoryWithTx(tx, driver),
		cacheRepo:      NewCacheRepositoryWithTx(tx, driver),
		proposalRepo:   NewProposalRepositoryWithTx(tx, driver),
		runRepo:        NewRunRepositoryWithTx(tx, driver),
		llmRepo:        NewLLMRepositoryWithTx(tx, driver),
		jobRepo:        NewJobRepositoryWithTx(tx, driver),
		vendorRepo:     NewVendorRepositoryWithTx(tx, driver),
	}
}

func (tc *TransactionContext) Commit(ctx context.Context) error {
	if tc.tx == nil {
		return store.ErrTransactionClosed
	}

	err := tc.tx.Commit()
	tc.tx = nil

	if err != nil {
		return store.NewTransactionError("commit", "failed to commit transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Rollback(ctx context.Context) error {
	if tc.tx == nil {
		return nil // already rolled back or committed
	}

	err := tc.tx.Rollback()
	tc.tx = nil

	if err != nil {
		return store.NewTransactionError("rollback", "failed to rollback transaction", err)
	}
	return nil
}

func (tc *TransactionContext) Documents() store.DocumentRepository     { return tc.documentRepo }
func (tc *TransactionContext) Extractions() store.ExtractionRepository { return tc.extractionRepo }
func (tc *TransactionContext) Imports() store.ImportRepository         { return tc.importRepo }
func (tc *TransactionContext) Cache() store.CacheRepository            { return tc.cacheRepo }
func (tc *TransactionContext) Proposals() store.ProposalRepository     { return tc.proposalRepo }
func (tc *TransactionContext) Runs() store.RunRepository               { return tc.runRepo }
func (tc *TransactionContext) LLM() store.LLMRepository                { return tc.llmRepo }
func (tc *TransactionContext) Jobs() store.JobRepository               { return tc.jobRepo }
func (tc *TransactionContext) Vendors() store.VendorRepository         { return tc.vendorRepo }
