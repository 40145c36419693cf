package models

// Catalog entities are owned by external administration; the engine only
// reads them to validate ids and derive the ticket prefix.

type Sede struct {
	SedeID   string `json:"sede_id"`
	Nombre   string `json:"nombre"`
	Codigo   string `json:"codigo"`
	Timezone string `json:"timezone"`
	Activa   bool   `json:"activa"`
}

type MotivoVisita struct {
	MotivoID string `json:"motivo_id"`
	SedeID   string `json:"sede_id"`
	Nombre   string `json:"nombre"`
	Prefijo  string `json:"prefijo"`
	Activo   bool   `json:"activo"`
}

type Modulo struct {
	ModuloID string `json:"modulo_id"`
	SedeID   string `json:"sede_id"`
	Nombre   string `json:"nombre"`
	Numero   int    `json:"numero"`
	Activo   bool   `json:"activo"`
}
