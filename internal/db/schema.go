package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is applied by `im-msg migrate`. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS im_conv_seq (
  conv_id     VARCHAR(128) NOT NULL,
  seq         BIGINT       NOT NULL DEFAULT 0,
  update_time DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
  PRIMARY KEY (conv_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS im_message (
  id              BIGINT       NOT NULL,
  msg_id          VARCHAR(64)  NOT NULL,
  conv_id         VARCHAR(128) NOT NULL,
  sender_id       VARCHAR(64)  NOT NULL,
  seq             BIGINT       NOT NULL,
  msg_type        VARCHAR(16)  NOT NULL DEFAULT 'text',
  content         TEXT         NOT NULL,
  attachments     JSON         NOT NULL,
  metadata        JSON         NOT NULL,
  reply_to        VARCHAR(64)  NULL,
  forward_of      VARCHAR(64)  NULL,
  status          VARCHAR(16)  NOT NULL DEFAULT 'sent',
  reactions_count INT          NOT NULL DEFAULT 0,
  create_time     DATETIME(3)  NOT NULL,
  expire_at       DATETIME(3)  NULL,
  deleted_at      DATETIME(3)  NULL,
  update_time     DATETIME(3)  NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3),
  PRIMARY KEY (id),
  UNIQUE KEY uk_msg_id (msg_id),
  UNIQUE KEY uk_conv_seq (conv_id, seq),
  KEY idx_expire (deleted_at, expire_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS im_message_edit (
  id          BIGINT      NOT NULL AUTO_INCREMENT,
  msg_id      VARCHAR(64) NOT NULL,
  editor_id   VARCHAR(64) NOT NULL,
  old_content TEXT        NOT NULL,
  new_content TEXT        NOT NULL,
  edit_time   DATETIME(3) NOT NULL,
  PRIMARY KEY (id),
  KEY idx_msg (msg_id, id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS im_message_local_delete (
  msg_id      VARCHAR(64) NOT NULL,
  user_id     VARCHAR(64) NOT NULL,
  create_time DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
  PRIMARY KEY (msg_id, user_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS im_outbox (
  id            BIGINT       NOT NULL AUTO_INCREMENT,
  event         VARCHAR(32)  NOT NULL,
  msg_id        VARCHAR(64)  NOT NULL,
  conv_id       VARCHAR(128) NOT NULL,
  seq           BIGINT       NOT NULL DEFAULT 0,
  topic         VARCHAR(128) NOT NULL,
  tag           VARCHAR(64)  NOT NULL DEFAULT '*',
  payload_json  TEXT         NOT NULL,
  status        TINYINT      NOT NULL DEFAULT 0,
  retry_count   INT          NOT NULL DEFAULT 0,
  next_retry_at DATETIME(3)  NOT NULL,
  last_error    VARCHAR(255) NOT NULL DEFAULT '',
  PRIMARY KEY (id),
  UNIQUE KEY uk_event_msg (event, msg_id),
  KEY idx_due (status, next_retry_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	// Tables created with second precision.
	`ALTER TABLE im_outbox MODIFY next_retry_at DATETIME(3) NOT NULL`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
