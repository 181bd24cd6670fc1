package testutil

// InventoryMigrations returns the DDL for the inventory service tables,
// used to initialize test containers.
func InventoryMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS products (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) NOT NULL,
			sku VARCHAR(100) NOT NULL,
			category VARCHAR(100) NOT NULL DEFAULT 'other',
			unit_type VARCHAR(50) NOT NULL DEFAULT 'units',
			is_multi_dose BOOLEAN NOT NULL DEFAULT FALSE,
			default_stability_hours INTEGER NOT NULL DEFAULT 0,
			units_per_package NUMERIC(12,2) NOT NULL DEFAULT 0,
			cost_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			min_stock_level NUMERIC(12,2) NOT NULL DEFAULT 0,
			reorder_point NUMERIC(12,2) NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT products_sku_unique UNIQUE (sku)
		)`,

		`CREATE TABLE IF NOT EXISTS lots (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			product_id UUID NOT NULL REFERENCES products(id),
			lot_number VARCHAR(100) NOT NULL,
			location_id VARCHAR(100) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'available',
			initial_quantity NUMERIC(12,2) NOT NULL,
			available_quantity NUMERIC(12,2) NOT NULL,
			purchase_cost NUMERIC(12,2) NOT NULL DEFAULT 0,
			expiration_date DATE NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			received_by VARCHAR(255) NOT NULL DEFAULT '',
			recall_class VARCHAR(20),
			recall_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT lots_product_lot_number_unique UNIQUE (product_id, lot_number),
			CONSTRAINT lots_quantity_non_negative CHECK (available_quantity >= 0),
			CONSTRAINT lots_lot_status_valid CHECK (status IN ('available', 'quarantined', 'recalled', 'expired', 'depleted'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_lots_fefo
			ON lots (product_id, location_id, expiration_date, received_at)
			WHERE status = 'available'`,

		`CREATE TABLE IF NOT EXISTS open_vial_sessions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			vial_number VARCHAR(100) NOT NULL,
			lot_id UUID NOT NULL REFERENCES lots(id),
			product_id UUID NOT NULL REFERENCES products(id),
			location_id VARCHAR(100) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'active',
			original_units NUMERIC(12,2) NOT NULL,
			current_units NUMERIC(12,2) NOT NULL,
			used_units NUMERIC(12,2) NOT NULL DEFAULT 0,
			wasted_units NUMERIC(12,2) NOT NULL DEFAULT 0,
			diluent VARCHAR(100),
			concentration VARCHAR(100),
			stability_hours INTEGER NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			close_reason VARCHAR(100),
			opened_by VARCHAR(255) NOT NULL DEFAULT '',
			closed_by VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT vials_lot_vial_number_unique UNIQUE (lot_id, vial_number),
			CONSTRAINT vials_units_non_negative CHECK (current_units >= 0),
			CONSTRAINT vials_vial_status_valid CHECK (status IN ('active', 'depleted', 'expired', 'discarded'))
		)`,

		`CREATE TABLE IF NOT EXISTS vial_uses (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			session_id UUID NOT NULL REFERENCES open_vial_sessions(id),
			patient_id VARCHAR(100) NOT NULL,
			units NUMERIC(12,2) NOT NULL,
			wasted_units NUMERIC(12,2) NOT NULL DEFAULT 0,
			chart_id VARCHAR(100),
			appointment_id VARCHAR(100),
			areas_injected TEXT,
			transaction_id UUID,
			performed_by VARCHAR(255) NOT NULL DEFAULT '',
			performed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS inventory_transactions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			transaction_type VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'completed',
			product_id UUID NOT NULL REFERENCES products(id),
			lot_id UUID REFERENCES lots(id),
			session_id UUID REFERENCES open_vial_sessions(id),
			quantity_change NUMERIC(12,2) NOT NULL,
			balance_after NUMERIC(12,2),
			unit_cost NUMERIC(12,4),
			total_cost NUMERIC(12,2),
			patient_id VARCHAR(100),
			appointment_id VARCHAR(100),
			chart_id VARCHAR(100),
			reason TEXT,
			reversal_of UUID REFERENCES inventory_transactions(id),
			performed_by VARCHAR(255) NOT NULL DEFAULT '',
			performed_by_name VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT transactions_transaction_type_valid CHECK (transaction_type IN ('receipt', 'treatment_use', 'manual_adjustment', 'waste')),
			CONSTRAINT transactions_status_valid CHECK (status IN ('completed', 'reversed'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_lot ON inventory_transactions (lot_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_chart ON inventory_transactions (chart_id)`,

		`CREATE TABLE IF NOT EXISTS chart_deduction_links (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			chart_id VARCHAR(100) NOT NULL,
			patient_id VARCHAR(100) NOT NULL DEFAULT '',
			appointment_id VARCHAR(100),
			location_id VARCHAR(100) NOT NULL DEFAULT '',
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			attempted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			override_reason TEXT,
			overridden_by VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT links_chart_id_unique UNIQUE (chart_id)
		)`,

		`CREATE TABLE IF NOT EXISTS chart_deduction_lines (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			link_id UUID NOT NULL REFERENCES chart_deduction_links(id),
			product_id UUID NOT NULL,
			requested_units NUMERIC(12,2) NOT NULL,
			lot_id UUID,
			session_id UUID,
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			failure_code VARCHAR(100),
			failure_message TEXT,
			transaction_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			alert_type VARCHAR(50) NOT NULL,
			severity VARCHAR(20) NOT NULL,
			message TEXT NOT NULL,
			product_id UUID,
			lot_id UUID,
			session_id UUID,
			location_id VARCHAR(100),
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_by VARCHAR(255),
			acknowledged_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts (alert_type, product_id, lot_id) WHERE acknowledged = FALSE`,
	}
}
