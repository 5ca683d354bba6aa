package app

import (
	"gorm.io/gorm"

	"github.com/strandlabs/strand/internal/data/repos"
	"github.com/strandlabs/strand/internal/pkg/logger"
)

func wireRepos(db *gorm.DB, log *logger.Logger, observers ...repos.MessageObserver) repos.All {
	log.Info("Wiring repos...")
	return repos.New(db, log, observers...)
}
